// Command squash runs the squash engine against a Docker image, either a
// local archive file or a live image name piped through "docker save" /
// "docker load". It is intentionally minimal: stdlib flag, no subcommands,
// no colorized help — it exists to exercise the library, not to be a
// polished CLI (see the teacher's go_docker_melt.go, which takes the same
// stance with its own -i/-o/-t flags).
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/exec"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/ArlenWen/squash"
)

const (
	exitOK        = 0
	exitUserInput = 1
	exitDataError = 2
	exitIOError   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("squash", flag.ContinueOnError)
	var (
		source       = fs.String("source", "", "Image name:tag to squash, via \"docker save\". Mutually exclusive with -in.")
		in           = fs.String("in", "", "Path to a Docker image archive (as produced by \"docker save\") to squash.")
		out          = fs.String("out", "", "Path to write the squashed archive. Mutually exclusive with -load.")
		load         = fs.Bool("load", false, "Pipe the squashed archive into \"docker load\" instead of writing a file.")
		count        = fs.Int("count", 0, "Merge the last N layers. Mutually exclusive with -digest.")
		digestPrefix = fs.String("digest", "", "Merge every layer from the first whose diff_id starts with this prefix onward.")
		tag          = fs.String("tag", "", "RepoTag to embed in the squashed image's manifest.")
		createdBy    = fs.String("created-by", "squash", "Value recorded in the new history entry.")
		compress     = fs.Bool("compress-layer", false, "Store the merged layer gzip-compressed.")
		imageIndex   = fs.Int("image-index", 0, "Which manifest.json entry to squash, for multi-image archives.")
		scratchRoot  = fs.String("temp-dir", "", "Directory under which the scratch workspace is created. Default: OS temp.")
		verbose      = fs.Bool("v", false, "Enable debug logging.")
	)
	if err := fs.Parse(args); err != nil {
		return exitUserInput
	}

	logger := logrus.StandardLogger()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if (*source == "") == (*in == "") {
		logger.Error("exactly one of -source or -in is required")
		return exitUserInput
	}
	if *load && *out != "" {
		logger.Error("-load and -out are mutually exclusive")
		return exitUserInput
	}
	if !*load && *out == "" {
		logger.Error("one of -load or -out is required")
		return exitUserInput
	}
	if (*count == 0) == (*digestPrefix == "") {
		logger.Error("exactly one of -count or -digest is required")
		return exitUserInput
	}

	var layerSpec squash.LayerSpec
	if *digestPrefix != "" {
		layerSpec = squash.DigestPrefix(*digestPrefix)
	} else {
		layerSpec = squash.Count(*count)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	src, waitSrc, err := openSource(ctx, *source, *in)
	if err != nil {
		logger.WithError(err).Error("opening source")
		if os.IsNotExist(err) {
			return exitUserInput
		}
		return exitIOError
	}
	defer src.Close()

	dst, finishDst, err := openDest(*load, *out)
	if err != nil {
		logger.WithError(err).Error("opening destination")
		return exitIOError
	}

	opts := squash.Options{
		ScratchRoot:   *scratchRoot,
		LayerSpec:     layerSpec,
		OutputTag:     *tag,
		CreatedBy:     *createdBy,
		CompressLayer: *compress,
		ImageIndex:    *imageIndex,
		Logger:        logger,
	}

	result, runErr := squash.Engine{}.Run(ctx, src, dst, opts)
	if waitErr := finishDst(); runErr == nil {
		runErr = waitErr
	}
	if waitErr := waitSrc(); runErr == nil {
		runErr = waitErr
	}
	if runErr != nil {
		if !*load {
			os.Remove(*out)
		}
		logger.WithError(runErr).Error("squash failed")
		var squashErr *squash.Error
		if *verbose && errors.As(runErr, &squashErr) {
			logger.Debug(squashErr.Verbose())
		}
		return exitCodeFor(runErr)
	}

	logger.WithField("retained_layers", result.RetainedLayers).
		WithField("merged_layers", result.MergedLayers).
		WithField("diff_id", result.MergedLayerDiffID).
		Info("squash complete")
	return exitOK
}

func exitCodeFor(err error) int {
	switch {
	case squash.IsKind(err, squash.KindInvalidSpec),
		squash.IsKind(err, squash.KindLayerNotFound),
		squash.IsKind(err, squash.KindAmbiguousLayerId):
		return exitUserInput
	case squash.IsKind(err, squash.KindMalformedArchive),
		squash.IsKind(err, squash.KindUnsafePath),
		squash.IsKind(err, squash.KindDigestMismatch):
		return exitDataError
	default:
		return exitIOError
	}
}

// openSource returns the engine's input reader and a function that waits
// for the source to finish (a no-op for a plain file, cmd.Wait for a
// "docker save" subprocess).
func openSource(ctx context.Context, source, in string) (io.ReadCloser, func() error, error) {
	if in != "" {
		f, err := os.Open(in)
		if err != nil {
			return nil, nil, err
		}
		return f, func() error { return nil }, nil
	}

	cmd := exec.CommandContext(ctx, "docker", "save", source)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return pipe, cmd.Wait, nil
}

// openDest returns the engine's output writer and a function that finishes
// the write (Close for a plain file, which Engine.Run has already synced;
// Close-then-Wait for a "docker load" subprocess).
func openDest(load bool, out string) (io.Writer, func() error, error) {
	if !load {
		f, err := os.Create(out)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}

	cmd := exec.Command("docker", "load")
	pipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return pipe, func() error {
		if err := pipe.Close(); err != nil {
			return err
		}
		return cmd.Wait()
	}, nil
}
