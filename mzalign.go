// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/featurexml"
	"github.com/524D/mzalign/internal/mzidentml"
	"github.com/524D/mzalign/internal/mzml"
	"github.com/524D/mzalign/internal/transform"
)

// Program name and version, appended to software list in mzML output
const progName = "mzAlign"

var progVersion = `Unknown`

// Format of output, if it ever changes we should still be able to parse
// output from old versions
const outputFormatVersion = "1.0"

const (
	infoDefault = iota
	infoSilent
	infoVerbose
)

// Alignment algorithms
const (
	algoStar = "star"
	algoKD   = "kd"
)

// Command line parameters
type params struct {
	stage          *int          // Align (1), dewarp mzML (2) or both (0)
	algorithm      *string       // star or kd
	configFilename *string       // YAML file with alignment options
	saveConfig     *string       // Write the effective alignment options here
	outFilename    *string       // Consensus output, JSON or consensusXML
	trafoFilename  *string       // Filename where JSON transformations are written/read
	minPeak        *float64      // minimum intensity of mzML peaks to use as points
	peaks          *int          // number of most intense peaks per mzML spectrum, <1 means all
	cfg            *align.Config // values of the alignment option flags
	flags          *flag.FlagSet // flag set that cfg is bound to
	verbosity      int           // Verbosity of progress messages (infoDefault...)
	args           []string      // Input files
}

// mapTrafo is the transformation of one input map, as stored in JSON
type mapTrafo struct {
	Name      string
	Transform transform.Description
}

// trafoParams contains the retention time transformation of each map
type trafoParams struct {
	// Version of the transformations, used when storing/loading
	// them in JSON format for different versions of the software
	MzAlignVersion string
	RunID          string
	Maps           []mapTrafo
}

type memberOut struct {
	Map       int
	Index     int
	ID        string `json:",omitempty"`
	RT        float64
	WarpedRT  float64
	Mz        float64
	Intensity float64
	Charge    int    `json:",omitempty"`
	Adduct    string `json:",omitempty"`
}

type entityOut struct {
	RT        float64
	Mz        float64
	Intensity float64
	Quality   float64
	Charge    int    `json:",omitempty"`
	Adduct    string `json:",omitempty"`
	Members   []memberOut
}

// consensusOut is the JSON consensus output
type consensusOut struct {
	MzAlignVersion string
	RunID          string
	Algorithm      string
	Reference      int
	Maps           []string
	Warnings       []string `json:",omitempty"`
	Entities       []entityOut
}

var ErrRangeSpec = errors.New("invalid range specified")

// Parse string like "-12:6" into 2 values, -12 and 6
// Parameters min and max are the "default" min/max values,
// when a value is not specified (e.g. "-12:"), the default is assigned
func parseIntRange(r string, min int, max int) (int, int, error) {
	re := regexp.MustCompile(`\s*(\-?\d*):(\-?\d*)`)
	m := re.FindStringSubmatch(r)
	minOut := min
	maxOut := max
	if len(m) >= 2 && m[1] != "" {
		minOut, _ = strconv.Atoi(m[1])
		if minOut < min {
			minOut = min
		}
	}
	if len(m) >= 3 && m[2] != "" {
		maxOut, _ = strconv.Atoi(m[2])
		if maxOut > max {
			maxOut = max
		}
	}
	var err error
	if minOut > maxOut {
		err = ErrRangeSpec
		minOut = maxOut
	}
	return minOut, maxOut, err
}

// startName strips the extension from a filename
func startName(fn string) string {
	return fn[0 : len(fn)-len(filepath.Ext(fn))]
}

func isMzML(fn string) bool {
	return strings.EqualFold(filepath.Ext(fn), ".mzML")
}

// readMap reads the points of one input file. The file type is determined
// from the extension.
func readMap(fn string, par params) (feature.Map, error) {
	var m feature.Map
	f, err := os.Open(fn)
	if err != nil {
		return m, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(fn)) {
	case ".featurexml":
		m, err = featurexml.Read(f)
	case ".mzml":
		var mzML mzml.MzML
		mzML, err = mzml.Read(f)
		if err == nil {
			m, err = mzML.PeakMap(*par.minPeak, *par.peaks)
		}
	case ".mzid", ".mzidentml":
		var mzIdentML mzidentml.MzIdentML
		mzIdentML, err = mzidentml.Read(f)
		if err == nil {
			m, err = mzIdentML.PointMap()
		}
	default:
		err = fmt.Errorf("unknown file type %q", filepath.Ext(fn))
	}
	if err != nil {
		return m, fmt.Errorf("reading %s: %w", fn, err)
	}
	m.Name = filepath.Base(fn)
	return m, nil
}

// makeConfig builds the alignment options: defaults, overridden by the
// config file, overridden by options given on the command line
func makeConfig(par params) (align.Config, error) {
	cfg := align.DefaultConfig()
	if *par.configFilename != "" {
		var err error
		cfg, err = align.LoadConfig(*par.configFilename)
		if err != nil {
			return cfg, err
		}
	}
	par.flags.Visit(func(f *flag.Flag) {
		setOption(&cfg, par.cfg, f.Name)
	})
	return cfg, cfg.Validate()
}

// setOption copies the alignment option of command line flag name
func setOption(dst, src *align.Config, name string) {
	switch name {
	case "rttol":
		dst.RTTolerance = src.RTTolerance
	case "mztol":
		dst.MzTolerance = src.MzTolerance
	case "mzunit":
		dst.MzUnit = src.MzUnit
	case "partitions":
		dst.NumPartitions = src.NumPartitions
	case "chargepolicy":
		dst.ChargeMergePolicy = src.ChargeMergePolicy
	case "adductpolicy":
		dst.AdductMergePolicy = src.AdductMergePolicy
	case "warp":
		dst.WarpEnabled = src.WarpEnabled
	case "warprttol":
		dst.WarpRTTolerance = src.WarpRTTolerance
	case "warpmztol":
		dst.WarpMzTolerance = src.WarpMzTolerance
	case "maxfoldchange":
		dst.WarpMaxLogFoldChange = src.WarpMaxLogFoldChange
	case "maxconflicts":
		dst.MaxConflictsPerComponent = src.MaxConflictsPerComponent
	case "ref":
		dst.Reference = src.Reference
	case "registration":
		dst.Registration = src.Registration
	case "trafofunc":
		dst.Transform = src.Transform
	case "regions":
		dst.TransformRegions = src.TransformRegions
	case "span":
		dst.LowessSpan = src.LowessSpan
	case "minquality":
		dst.MinAnchorQuality = src.MinAnchorQuality
	case "points":
		dst.NumUsedPoints = src.NumUsedPoints
	case "maxshift":
		dst.MaxShift = src.MaxShift
	case "maxscaling":
		dst.MaxScaling = src.MaxScaling
	case "shiftbucket":
		dst.ShiftBucketSize = src.ShiftBucketSize
	case "scalingbucket":
		dst.ScalingBucketSize = src.ScalingBucketSize
	case "mzpairdist":
		dst.MzPairMaxDistance = src.MzPairMaxDistance
	case "workers":
		dst.Workers = src.Workers
	}
}

// aligner is implemented by align.Star and align.KD
type aligner interface {
	Align(ctx context.Context, maps []feature.Map) (*align.Result, error)
}

// newAligner creates the aligner selected on the command line
func newAligner(cfg align.Config, par params) (aligner, error) {
	opts := []align.Option{align.WithDiagnostics(debugDiagnostics(len(par.args)))}
	if par.verbosity == infoVerbose {
		opts = append(opts, align.WithProgress(func(stage string, done, total int) {
			fmt.Fprintf(os.Stderr, "  %s %d/%d\n", stage, done, total)
		}))
	}
	if *par.algorithm == algoKD {
		return align.NewKD(cfg, opts...)
	}
	return align.NewStar(cfg, opts...)
}

func consensusOutput(res *align.Result, par params) consensusOut {
	out := consensusOut{
		MzAlignVersion: outputFormatVersion,
		RunID:          res.RunID,
		Algorithm:      *par.algorithm,
		Reference:      res.Reference,
		Maps:           res.MapNames,
		Entities:       make([]entityOut, 0, len(res.Entities)),
	}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.String())
	}
	for _, e := range res.Entities {
		eo := entityOut{
			RT:        e.RT(),
			Mz:        e.Mz(),
			Intensity: e.Intensity(),
			Quality:   e.Quality(),
			Charge:    e.Charge(),
			Adduct:    e.Adduct(),
		}
		for _, m := range e.Members() {
			eo.Members = append(eo.Members, memberOut{
				Map:       m.Map,
				Index:     m.Handle.Index,
				ID:        m.Handle.ID,
				RT:        m.RT,
				WarpedRT:  m.WarpedRT,
				Mz:        m.Mz,
				Intensity: m.Intensity,
				Charge:    m.Charge,
				Adduct:    m.Adduct,
			})
		}
		out.Entities = append(out.Entities, eo)
	}
	return out
}

// writeFile creates fn and writes it through a buffer. Errors from the
// final flush and from closing the file are returned too, since that is
// where a full disk shows up.
func writeFile(fn string, write func(w io.Writer) error) (err error) {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		return err
	}
	return w.Flush()
}

// writeConsensus writes the consensus map, as consensusXML if the output
// filename says so, otherwise as JSON
func writeConsensus(res *align.Result, maps []feature.Map, par params) error {
	return writeFile(*par.outFilename, func(w io.Writer) error {
		if strings.EqualFold(filepath.Ext(*par.outFilename), ".consensusXML") {
			info := make([]featurexml.MapInfo, len(maps))
			for i, m := range maps {
				info[i] = featurexml.MapInfo{Name: m.Name, Size: len(m.Points)}
			}
			return featurexml.WriteConsensus(w, res.RunID, info, res.Entities)
		}
		e := json.NewEncoder(w)
		e.SetIndent(``, `  `) // Make output easier to read for humans
		return e.Encode(consensusOutput(res, par))
	})
}

func writeTrafo(res *align.Result, par params) error {
	trafo := trafoParams{
		MzAlignVersion: outputFormatVersion,
		RunID:          res.RunID,
	}
	for i, t := range res.Transforms {
		trafo.Maps = append(trafo.Maps, mapTrafo{
			Name:      res.MapNames[i],
			Transform: transform.Describe(t),
		})
	}
	return writeFile(*par.trafoFilename, func(w io.Writer) error {
		e := json.NewEncoder(w)
		e.SetIndent(``, `  `)
		return e.Encode(trafo)
	})
}

func readTrafo(par params) (trafoParams, error) {
	var trafo trafoParams
	f, err := os.Open(*par.trafoFilename)
	if err != nil {
		return trafo, err
	}
	defer f.Close()

	d := json.NewDecoder(f)
	err = d.Decode(&trafo)
	return trafo, err
}

// dewarpMzML maps the retention times of an mzML file through t, adds our
// program name and version to the mzML software list and writes the
// result to <name>-aligned.mzML
func dewarpMzML(fn string, t transform.Model) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	mzML, err := mzml.Read(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading %s: %w", fn, err)
	}
	if err := mzML.Dewarp(t); err != nil {
		return fmt.Errorf("dewarping %s: %w", fn, err)
	}
	mzML.AppendSoftwareInfo(progName, progVersion)
	mzML.AppendDataProcessing(mzml.AlignmentProcessing(progName+"_alignment", progName))

	return writeFile(startName(fn)+"-aligned.mzML", mzML.Write)
}

// alignMaps reads all input maps, aligns them and writes the consensus map
// and the transformations
func alignMaps(ctx context.Context, par params) (*align.Result, error) {
	cfg, err := makeConfig(par)
	if err != nil {
		return nil, err
	}
	if *par.saveConfig != "" {
		if err := align.SaveConfig(*par.saveConfig, cfg); err != nil {
			return nil, err
		}
	}

	maps := make([]feature.Map, 0, len(par.args))
	for _, fn := range par.args {
		t := time.Now()
		if par.verbosity == infoVerbose {
			fmt.Fprintf(os.Stderr, "Reading %s: ", fn)
		}
		m, err := readMap(fn, par)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
		if par.verbosity == infoVerbose {
			fmt.Fprintf(os.Stderr, "%d points, %s\n", len(m.Points), time.Since(t))
		}
	}

	al, err := newAligner(cfg, par)
	if err != nil {
		return nil, err
	}
	t := time.Now()
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "Aligning %d maps (%s):\n", len(maps), *par.algorithm)
	}
	res, err := al.Align(ctx, maps)
	if err != nil {
		return nil, err
	}
	if par.verbosity != infoSilent {
		for _, w := range res.Warnings {
			log.Printf("WARNING: %s", w)
		}
	}
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "Aligned into %d entities: %s\n", len(res.Entities), time.Since(t))
		t = time.Now()
		fmt.Fprintf(os.Stderr, "Writing %s: ", *par.outFilename)
	}

	if err := writeConsensus(res, maps, par); err != nil {
		return nil, fmt.Errorf("writing consensus: %w", err)
	}
	if err := writeTrafo(res, par); err != nil {
		return nil, fmt.Errorf("writing transformations: %w", err)
	}
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "%s\n", time.Since(t))
	}
	return res, nil
}

// applyTrafo dewarps every mzML input with the transformation stored for
// it in the transformation file
func applyTrafo(par params) error {
	trafo, err := readTrafo(par)
	if err != nil {
		return fmt.Errorf("reading transformations: %w", err)
	}
	byName := make(map[string]transform.Description, len(trafo.Maps))
	for _, m := range trafo.Maps {
		byName[m.Name] = m.Transform
	}
	for _, fn := range par.args {
		if !isMzML(fn) {
			continue
		}
		d, ok := byName[filepath.Base(fn)]
		if !ok {
			return fmt.Errorf("no transformation for %s in %s", fn, *par.trafoFilename)
		}
		t, err := d.Model()
		if err != nil {
			return fmt.Errorf("transformation for %s: %w", fn, err)
		}
		if err := dewarpMzML(fn, t); err != nil {
			return err
		}
	}
	return nil
}

// run executes the stages selected on the command line
func run(ctx context.Context, par params) error {
	switch *par.stage {
	case 1:
		_, err := alignMaps(ctx, par)
		return err
	case 2:
		return applyTrafo(par)
	}
	res, err := alignMaps(ctx, par)
	if err != nil {
		return err
	}
	for i, fn := range par.args {
		if !isMzML(fn) {
			continue
		}
		if err := dewarpMzML(fn, res.Transforms[i]); err != nil {
			return err
		}
	}
	return nil
}

// sanatizeParams does some checks on parameters, and fills missing
// filenames if possible
func sanatizeParams(par *params) error {
	if *par.stage < 0 || *par.stage > 2 {
		return fmt.Errorf("invalid stage %d", *par.stage)
	}
	if *par.algorithm != algoStar && *par.algorithm != algoKD {
		return fmt.Errorf("unknown algorithm %q", *par.algorithm)
	}
	minArgs := 2
	if *par.stage == 2 {
		minArgs = 1
	}
	if len(par.args) < minArgs {
		return fmt.Errorf("need at least %d input files", minArgs)
	}
	for _, fn := range par.args {
		switch strings.ToLower(filepath.Ext(fn)) {
		case ".featurexml", ".mzml", ".mzid", ".mzidentml":
		default:
			return fmt.Errorf("unknown file type of %s", fn)
		}
	}

	first := startName(par.args[0])
	if *par.outFilename == "" {
		*par.outFilename = first + "-consensus.json"
	}
	if *par.trafoFilename == "" {
		*par.trafoFilename = first + "-trafo.json"
	}
	return nil
}

// newParams defines the command line flags on fs
func newParams(fs *flag.FlagSet) params {
	def := align.DefaultConfig()
	c := &align.Config{}
	*c = def
	par := params{flags: fs, cfg: c}

	par.stage = fs.Int("stage", 0,
		`0 (default): align and write aligned mzML files in one run
1: only align, write consensus and transformations
2: write aligned mzML files using previously computed transformations`)
	par.algorithm = fs.String("algorithm", algoStar,
		"alignment `algorithm`"+`:
    star: register each map onto the growing consensus of a reference map
    kd: group all maps at once after a symmetric drift correction`)
	par.configFilename = fs.String("config", "",
		"YAML `filename` with alignment options. Options on the command line take precedence")
	par.saveConfig = fs.String("saveconfig", "",
		"write the effective alignment options to YAML `filename`")
	par.outFilename = fs.String("o", "",
		"`filename` of consensus output. A name ending in .consensusXML selects consensusXML, otherwise JSON is written")
	par.trafoFilename = fs.String("trafo", "",
		"`filename` for the computed retention time transformations")
	par.minPeak = fs.Float64("minpeak", 0.0,
		`minimum intensity of mzML peaks to use for alignment`)
	par.peaks = fs.Int("peaks", 50,
		`only the topmost <peaks> peaks of each mzML spectrum are used. <1 means all peaks.`)

	fs.Float64Var(&c.RTTolerance, "rttol", def.RTTolerance,
		`max retention time difference (s) of grouped points`)
	fs.Float64Var(&c.MzTolerance, "mztol", def.MzTolerance,
		`max m/z difference of grouped points, see -mzunit`)
	fs.TextVar(&c.MzUnit, "mzunit", def.MzUnit,
		"m/z tolerance `unit`: ppm or Da")
	fs.IntVar(&c.NumPartitions, "partitions", def.NumPartitions,
		`number of m/z buckets processed independently`)
	fs.TextVar(&c.ChargeMergePolicy, "chargepolicy", def.ChargeMergePolicy,
		"charge merge `policy`: identical, with_unknown or any")
	fs.TextVar(&c.AdductMergePolicy, "adductpolicy", def.AdductMergePolicy,
		"adduct merge `policy`: identical, with_unknown or any")
	fs.BoolVar(&c.WarpEnabled, "warp", def.WarpEnabled,
		`correct retention time drift before grouping`)
	fs.Float64Var(&c.WarpRTTolerance, "warprttol", def.WarpRTTolerance,
		`retention time tolerance (s) for anchor points of the drift correction`)
	fs.Float64Var(&c.WarpMzTolerance, "warpmztol", def.WarpMzTolerance,
		`m/z tolerance for anchor points of the drift correction`)
	fs.Float64Var(&c.WarpMaxLogFoldChange, "maxfoldchange", def.WarpMaxLogFoldChange,
		`max |log10| intensity ratio of anchor points. <0 disables the check`)
	fs.IntVar(&c.MaxConflictsPerComponent, "maxconflicts", def.MaxConflictsPerComponent,
		`max number of points sharing a map in an anchor component. -1 means no limit`)
	fs.IntVar(&c.Reference, "ref", def.Reference,
		`index of the reference map for star alignment. -1 selects the largest map`)
	fs.TextVar(&c.Registration, "registration", def.Registration,
		"pairwise registration `kind`: pose_affine or pose_shift")
	fs.TextVar(&c.Transform, "trafofunc", def.Transform,
		"transformation `function`: linear, lowess or interpolated")
	fs.IntVar(&c.TransformRegions, "regions", def.TransformRegions,
		`number of retention time regions with their own transformation`)
	fs.Float64Var(&c.LowessSpan, "span", def.LowessSpan,
		`LOWESS span as a fraction of the anchor points`)
	fs.Float64Var(&c.MinAnchorQuality, "minquality", def.MinAnchorQuality,
		`anchor points with lower quality are not used for fitting`)
	fs.IntVar(&c.NumUsedPoints, "points", def.NumUsedPoints,
		`number of most intense points used for registration. -1 means all`)
	fs.Float64Var(&c.MaxShift, "maxshift", def.MaxShift,
		`max retention time shift (s) considered in registration`)
	fs.Float64Var(&c.MaxScaling, "maxscaling", def.MaxScaling,
		`max retention time scaling considered in registration`)
	fs.Float64Var(&c.ShiftBucketSize, "shiftbucket", def.ShiftBucketSize,
		`shift histogram bucket size (s)`)
	fs.Float64Var(&c.ScalingBucketSize, "scalingbucket", def.ScalingBucketSize,
		`log scaling histogram bucket size`)
	fs.Float64Var(&c.MzPairMaxDistance, "mzpairdist", def.MzPairMaxDistance,
		`max m/z distance (Da) of point pairs in registration`)
	fs.IntVar(&c.Workers, "workers", def.Workers,
		`number of m/z buckets processed in parallel. 0 means one per CPU`)
	return par
}

func usage() {
	exeName := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr,
		`USAGE:
  %s [options] <file1> <file2> ...

  This program aligns the retention times of LC-MS maps and groups the
  corresponding points of all maps into a consensus map. Input files can be
  featureXML (features), mzML (MS1 peaks) or mzid (identified spectra).

OPTIONS:
`, exeName)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr,
		`
USAGE EXAMPLES:
  %s a.featureXML b.featureXML c.featureXML
    Align three feature maps onto the largest one, write the consensus map to
    a-consensus.json and the transformations to a-trafo.json.

  %s -algorithm kd -partitions 8 -o all.consensusXML a.featureXML b.featureXML
    Group both maps symmetrically, processing 8 m/z buckets in parallel,
    and write consensusXML.

  %s -stage 2 -trafo a-trafo.json a.mzML b.mzML
    Write a-aligned.mzML and b-aligned.mzML using earlier transformations.
`, exeName, exeName, exeName)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	par := newParams(flag.CommandLine)
	version := flag.Bool("version", false,
		`Show software version`)
	verbose := flag.Bool("verbose", false,
		`Print more verbose progress information`)
	quiet := flag.Bool("quiet", false,
		`Don't print any output except for errors`)
	flag.Usage = usage
	flag.Parse()
	if *version {
		if progVersion == `Unknown` {
			progVersion = `Unknown
Please build this program with script 'build.sh' so that the git version is shown here.`
		}
		fmt.Fprintf(os.Stderr, "%s version %s\n", progName, progVersion)
		return
	}
	if *verbose {
		par.verbosity = infoVerbose
	}
	if *quiet {
		par.verbosity = infoSilent
	}
	par.args = flag.Args()

	if err := sanatizeParams(&par); err != nil {
		fmt.Fprintf(os.Stderr, "%v\nType %s --help for usage\n", err, filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, par)
	stop()
	if err != nil {
		log.Fatalf("%s: %v", progName, err)
	}
}
