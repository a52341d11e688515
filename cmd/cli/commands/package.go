package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/client"
	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/assets"
	"github.com/vision-runner/vision-runner/pkg/distribution/builder"
	"github.com/vision-runner/vision-runner/pkg/distribution/registry"
	"github.com/vision-runner/vision-runner/pkg/distribution/tarball"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

type packageOptions struct {
	graphPath    string
	weightsPath  string
	labelsPath   string
	licensePaths []string
	architecture string
	parameters   string
	quantization string
	inputHeight  int
	inputWidth   int
	logits       bool
	push         bool
	tag          string
}

func newPackageCmd() *cobra.Command {
	var opts packageOptions

	c := &cobra.Command{
		Use: "package --graph <path|url> [--weights <path|url>] [--labels <path|url>] " +
			"[--license <path>...] [--push] TAG",
		Short: "Package an ONNX classifier into an OCI artifact. The package is loaded into the daemon's store unless --push is specified",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'vision package' requires 1 argument.\n\n"+
						"Usage:  %s\n\n"+
						"See 'vision package --help' for more information",
					cmd.Use,
				)
			}
			if opts.graphPath == "" {
				return fmt.Errorf(
					"graph path is required.\n\n" +
						"See 'vision package --help' for more information",
				)
			}
			opts.tag = args[0]
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := packageModel(cmd, opts); err != nil {
				cmd.PrintErrln("Failed to package model")
				return fmt.Errorf("package model: %w", err)
			}
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}

	c.Flags().StringVar(&opts.graphPath, "graph", "", "ONNX graph file path or http(s) URL (required)")
	c.Flags().StringVar(&opts.weightsPath, "weights", "", "External tensor data file path or http(s) URL")
	c.Flags().StringVar(&opts.labelsPath, "labels", "", "Category label file path or http(s) URL")
	c.Flags().StringArrayVarP(&opts.licensePaths, "license", "l", nil, "Path to a license file")
	c.Flags().StringVar(&opts.architecture, "architecture", "", "Network architecture name (e.g. resnet-152)")
	c.Flags().StringVar(&opts.parameters, "parameters", "", "Human-readable parameter count (e.g. 60.2M)")
	c.Flags().StringVar(&opts.quantization, "quantization", "", "Quantization description (e.g. FP16)")
	c.Flags().IntVar(&opts.inputHeight, "input-height", 0, "Input height in pixels")
	c.Flags().IntVar(&opts.inputWidth, "input-width", 0, "Input width in pixels")
	c.Flags().BoolVar(&opts.logits, "logits", false, "The model emits raw logits rather than probabilities")
	c.Flags().BoolVar(&opts.push, "push", false, "Push to registry (if not set, the model is loaded into the daemon's store)")
	return c
}

// isURL reports whether source is an http(s) URL rather than a local path.
func isURL(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// resolveSources downloads any URL inputs into a staging directory and
// returns local paths for the graph, weights, and labels.
func resolveSources(ctx context.Context, cmd *cobra.Command, opts *packageOptions) error {
	var downloads []assets.Asset
	stage := func(source *string, filename string) {
		if *source == "" || !isURL(*source) {
			return
		}
		dest := filepath.Join(os.TempDir(), "vision-package", filename)
		downloads = append(downloads, assets.Asset{URL: *source, Dest: dest})
		*source = dest
	}
	stage(&opts.graphPath, "graph.onnx")
	stage(&opts.weightsPath, "weights.bin")
	stage(&opts.labelsPath, "labels.txt")
	if len(downloads) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Join(os.TempDir(), "vision-package"), 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	for _, download := range downloads {
		cmd.PrintErrf("Downloading %s\n", download.URL)
	}
	return assets.NewFetcher().Fetch(ctx, downloads...)
}

func packageModel(cmd *cobra.Command, opts packageOptions) error {
	if err := resolveSources(cmd.Context(), cmd, &opts); err != nil {
		return fmt.Errorf("fetch packaging inputs: %w", err)
	}

	var (
		target builder.Target
		err    error
	)
	if opts.push {
		target, err = registry.NewClient(
			registry.WithUserAgent("vision-cli/"+Version),
			registryAuthFromEnv(),
		).NewTarget(opts.tag)
	} else {
		target, err = newRunnerTarget(runnerClient, opts.tag)
	}
	if err != nil {
		return err
	}

	cmd.PrintErrf("Adding ONNX graph from %q\n", opts.graphPath)
	pkg, err := builder.FromONNX(opts.graphPath)
	if err != nil {
		return fmt.Errorf("add graph file: %w", err)
	}

	if opts.weightsPath != "" {
		cmd.PrintErrf("Adding weights from %q\n", opts.weightsPath)
		pkg, err = pkg.WithWeights(opts.weightsPath)
		if err != nil {
			return fmt.Errorf("add weights file: %w", err)
		}
	}
	if opts.labelsPath != "" {
		cmd.PrintErrf("Adding labels from %q\n", opts.labelsPath)
		pkg, err = pkg.WithLabels(opts.labelsPath)
		if err != nil {
			return fmt.Errorf("add label file: %w", err)
		}
	}
	for _, path := range opts.licensePaths {
		cmd.PrintErrf("Adding license file from %q\n", path)
		pkg, err = pkg.WithLicense(path)
		if err != nil {
			return fmt.Errorf("add license file: %w", err)
		}
	}

	if opts.architecture != "" {
		pkg = pkg.WithArchitecture(opts.architecture)
	}
	if opts.parameters != "" {
		pkg = pkg.WithParameters(opts.parameters)
	}
	if opts.quantization != "" {
		pkg = pkg.WithQuantization(opts.quantization)
	}
	if opts.inputHeight > 0 && opts.inputWidth > 0 {
		pkg = pkg.WithInputSize(opts.inputHeight, opts.inputWidth)
	}
	if opts.logits {
		pkg = pkg.WithOutput(types.OutputLogits)
	}

	if opts.push {
		cmd.PrintErrln("Pushing model to registry...")
	} else {
		cmd.PrintErrln("Loading model to Vision Runner...")
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		defer pw.Close()
		done <- pkg.Build(cmd.Context(), target, pw)
	}()

	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		progressLine := scanner.Text()
		if progressLine == "" {
			continue
		}
		var progressMsg client.ProgressMessage
		if err := json.Unmarshal([]byte(html.UnescapeString(progressLine)), &progressMsg); err != nil {
			cmd.PrintErrln("Error displaying progress:", err)
			continue
		}
		TUIProgress(progressMsg.Message)
	}
	cmd.PrintErrln("") // newline after progress

	if err := scanner.Err(); err != nil {
		cmd.PrintErrln("Error streaming progress:", err)
	}
	if err := <-done; err != nil {
		if opts.push {
			return fmt.Errorf("failed to push packaged model: %w", err)
		}
		return fmt.Errorf("failed to load packaged model: %w", err)
	}

	if opts.push {
		cmd.PrintErrln("Model pushed successfully")
	} else {
		cmd.PrintErrln("Model loaded successfully")
	}
	return nil
}

// registryAuthFromEnv reads push credentials from the environment.
func registryAuthFromEnv() registry.ClientOption {
	return registry.WithAuthConfig(
		os.Getenv("VISION_RUNNER_REGISTRY_USER"),
		os.Getenv("VISION_RUNNER_REGISTRY_PASSWORD"),
	)
}

// runnerTarget loads a built artifact into the daemon via the models/load
// endpoint and applies the requested tag.
type runnerTarget struct {
	client *client.Client
	tag    name.Tag
}

func newRunnerTarget(runnerClient *client.Client, tag string) (*runnerTarget, error) {
	target := &runnerTarget{client: runnerClient}
	if tag != "" {
		var err error
		target.tag, err = name.NewTag(tag)
		if err != nil {
			return nil, fmt.Errorf("invalid tag: %w", err)
		}
	}
	return target, nil
}

func (t *runnerTarget) Write(ctx context.Context, mdl types.ModelArtifact, progressWriter io.Writer) error {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		target, err := tarball.NewTarget(pw)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- target.Write(ctx, mdl, progressWriter)
	}()

	_, _, loadErr := t.client.Load(ctx, pr, func(string) {})
	writeErr := <-errCh

	if loadErr != nil {
		return fmt.Errorf("loading model archive: %w", loadErr)
	}
	if writeErr != nil {
		return fmt.Errorf("writing model archive: %w", writeErr)
	}

	if strings.TrimSpace(t.tag.String()) == "" {
		return nil
	}
	id, err := mdl.ID()
	if err != nil {
		return fmt.Errorf("get model ID: %w", err)
	}
	if err := t.client.Tag(ctx, id, t.tag.String()); err != nil {
		return fmt.Errorf("tag model: %w", err)
	}
	return nil
}
