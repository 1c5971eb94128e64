package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/face-similarity/internal/app"
	"github.com/example/face-similarity/internal/config"
	"github.com/example/face-similarity/internal/envelope"
	"github.com/example/face-similarity/internal/logging"
	"github.com/example/face-similarity/internal/pipeline"
	"github.com/example/face-similarity/internal/similarity"
)

var classifyOpts struct {
	requestPath   string
	extractorAddr string
	quiet         bool
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Score target images against reference people without the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClassify(cmd, cmd.OutOrStdout())
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyOpts.requestPath, "request", "r", "", "Path to a classification request JSON file, or - for stdin")
	classifyCmd.Flags().StringVarP(&classifyOpts.extractorAddr, "extractor", "e", "", "Feature extractor gRPC address (default: EXTRACTOR_ADDR)")
	classifyCmd.Flags().BoolVarP(&classifyOpts.quiet, "quiet", "q", false, "Do not draw a progress bar")
	_ = classifyCmd.MarkFlagRequired("request")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, out io.Writer) error {
	req, err := loadRequest(classifyOpts.requestPath, cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if classifyOpts.extractorAddr != "" {
		cfg.ExtractorAddr = classifyOpts.extractorAddr
	}

	logger, err := logging.NewLogger("warn")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var observer pipeline.Observer
	if !classifyOpts.quiet {
		bar := progressbar.NewOptions(len(req.People)+len(req.TargetImages),
			progressbar.OptionSetDescription("Analysing images"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		defer bar.Finish() //nolint:errcheck
		observer = progressObserver{bar: bar}
	}

	engine, err := app.Build(cmd.Context(), cfg, logger, observer)
	if err != nil {
		return err
	}
	defer engine.Close() //nolint:errcheck

	var reply envelope.Envelope[[]similarity.TargetResult]
	analysis, err := engine.Pipeline.Classify(cmd.Context(), *req)
	if err != nil {
		reply = envelope.FromError[[]similarity.TargetResult]("face similarity analysis", err)
	} else {
		reply = envelope.OK("face similarity analysis completed", analysis.Targets)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}

func loadRequest(path string, stdin io.Reader) (*pipeline.AnalysisRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		r = f
	}

	var req pipeline.AnalysisRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if len(req.People) == 0 {
		return nil, fmt.Errorf("request has no people")
	}
	return &req, nil
}

// progressBar is the part of *progressbar.ProgressBar the observer uses.
type progressBar interface {
	Add(num int) error
}

type progressObserver struct {
	bar progressBar
}

func (progressObserver) TaskStarted(pipeline.ImageTask) {}

func (o progressObserver) TaskFinished(pipeline.Result) {
	_ = o.bar.Add(1)
}
