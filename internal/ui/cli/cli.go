package cli

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"citystid/internal/data/catalog"
)

const versionString = "1.0.0"
const defaultConfigPath = "./data/config/citystid.toml"

type cliOptions struct {
	configPath string
	dataRoot   string
	outputDir  string
	parallel   int
	depth      int
	once       bool
	watch      bool
	force      bool
	ui         bool
	queryBBox  string
	listThemes bool
	verbose    bool
	version    bool
	args       []string
}

func parseOptions(args []string) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("citystid", flag.ContinueOnError)

	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to config file")
	fs.StringVar(&opts.dataRoot, "data", "", "Data root; theme documents live under <data>/<theme>")
	fs.StringVar(&opts.outputDir, "out", "", "Output directory for STID JSON chunks")
	fs.IntVar(&opts.parallel, "n", 0, "Maximum files converted in parallel (default: input.parallel)")
	fs.IntVar(&opts.depth, "depth", 0, "Override the subdivision depth of every theme")
	fs.BoolVar(&opts.once, "once", false, "Process the selected themes and exit (default unless --watch)")
	fs.BoolVar(&opts.watch, "watch", false, "Keep running and re-process changed documents")
	fs.BoolVar(&opts.force, "force", false, "Ignore the manifest and re-process every document")
	fs.BoolVar(&opts.ui, "ui", false, "Enable terminal progress view")
	fs.StringVar(&opts.queryBBox, "query-bbox", "", "List recorded features intersecting minLat,minLon,maxLat,maxLon")
	fs.BoolVar(&opts.listThemes, "themes", false, "List available themes and exit")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	opts.args = fs.Args()
	return opts, nil
}

func validateOptions(opts cliOptions) error {
	if opts.once && opts.watch {
		return fmt.Errorf("--once and --watch cannot be combined")
	}
	if opts.parallel < 0 {
		return fmt.Errorf("-n must be >= 1, got %d", opts.parallel)
	}
	if opts.depth < 0 || opts.depth > 30 {
		return fmt.Errorf("--depth must be between 0 and 30, got %d", opts.depth)
	}
	if opts.queryBBox != "" && (opts.watch || opts.ui) {
		return fmt.Errorf("--query-bbox cannot be combined with --watch or --ui")
	}
	if opts.queryBBox != "" && len(opts.args) > 1 {
		return fmt.Errorf("--query-bbox accepts at most one theme argument")
	}
	return nil
}

// parseBBox reads "minLat,minLon,maxLat,maxLon".
func parseBBox(raw string) (catalog.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return catalog.BBox{}, fmt.Errorf("bbox must be minLat,minLon,maxLat,maxLon, got %q", raw)
	}
	var values [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return catalog.BBox{}, fmt.Errorf("bbox value %q: %w", part, err)
		}
		values[i] = v
	}
	box := catalog.BBox{MinLat: values[0], MinLon: values[1], MaxLat: values[2], MaxLon: values[3]}
	if err := box.Validate(); err != nil {
		return catalog.BBox{}, err
	}
	return box, nil
}
