// Command xray trains and evaluates the chest X-ray pneumonia classifier.
//
// Usage:
//
//	xray [-config config/config.yaml] [klog flags] <command>
//
// Commands:
//
//	download     fetch and extract the Kaggle dataset if it is not present
//	train        download if needed, train both phases, evaluate and save
//	evaluate     evaluate the saved model on the test split
//	export-onnx  write the saved model as ONNX
//	runs         list the runs recorded in the run registry
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/config"
	"github.com/tsawler/go-xray/model"
	"github.com/tsawler/go-xray/pipeline"
	"github.com/tsawler/go-xray/runlog"
	"github.com/tsawler/go-xray/vision/dataset"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "config/config.yaml", "Path to the YAML or TOML configuration file.")
	flagKaggle = flag.String("kaggle", "kaggle", "Kaggle CLI binary used by download and train.")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] download|train|evaluate|export-onnx|runs\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if h := hint(err); h != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", h)
		}
		klog.V(1).Infof("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, command string) error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	downloader := dataset.KaggleCLI{Binary: *flagKaggle}
	deps := pipeline.Deps{Out: os.Stdout}

	switch command {
	case "download":
		root, err := pipeline.Download(ctx, cfg, downloader)
		if err != nil {
			return err
		}
		fmt.Printf("Dataset available at %s\n", root)
		return nil

	case "train":
		if _, err := pipeline.Download(ctx, cfg, downloader); err != nil {
			return err
		}
		res, err := pipeline.Run(ctx, cfg, deps)
		if err != nil {
			return err
		}
		fmt.Printf("Training finished: test accuracy %.4f, model %s, report %s\n",
			res.Evaluation.Accuracy, res.ModelPath, res.Report.Dashboard)
		return nil

	case "evaluate":
		_, err := pipeline.EvaluateSaved(cfg, deps)
		return err

	case "export-onnx":
		_, err := pipeline.ExportONNX(cfg, deps)
		return err

	case "runs":
		return listRuns(cfg)
	}
	return errors.Errorf("unknown command %q", command)
}

func listRuns(cfg *config.Config) error {
	if cfg.RunDB == "" {
		return errors.New("run_db is not configured")
	}
	store, err := runlog.Open(cfg.RunDB)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tBACKBONE\tACCURACY\tAUC")
	for _, r := range runs {
		acc, auc := "-", "-"
		if r.TestAccuracy.Valid {
			acc = fmt.Sprintf("%.4f", r.TestAccuracy.Float64)
		}
		if r.TestAUC.Valid {
			auc = fmt.Sprintf("%.4f", r.TestAUC.Float64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Backbone, acc, auc)
	}
	return w.Flush()
}

func hint(err error) string {
	if h := dataset.Hint(err); h != "" {
		return h
	}
	switch {
	case errors.Is(err, config.ErrNotFound):
		return "pass the configuration file with -config"
	case errors.Is(err, config.ErrMalformed), errors.Is(err, config.ErrInvalid):
		return "fix the configuration file; see config/config.yaml for every supported key"
	case errors.Is(err, model.ErrWeightsUnavailable):
		return "place the ONNX weights at model_params.pretrained_weights, set pretrained_weights_url, or clear pretrained_weights to train from random initialisation"
	case errors.Is(err, model.ErrInvalidTransition):
		return "the model must finish initial training before fine-tuning"
	}
	return ""
}
