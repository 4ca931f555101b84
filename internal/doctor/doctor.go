// Package doctor provides environment preflight checks for omni.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Oldest ONNX Runtime release whose C API the purego bindings load.
const (
	minRuntimeMajor = 1
	minRuntimeMinor = 17
)

// RuntimeFunc locates the ONNX Runtime shared library and returns its path
// and version. The version may be empty when it cannot be inferred.
type RuntimeFunc func() (path, version string, err error)

// BundleFunc loads the model manifest and returns the required graphs it
// does not declare.
type BundleFunc func() (missing []string, err error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Runtime finds the ONNX Runtime library.
	Runtime RuntimeFunc
	// SkipRuntime skips the runtime check (e.g. when only serving mocks).
	SkipRuntime bool
	// Bundle validates the model manifest.
	Bundle BundleFunc
	// TokenizerModel is the sentencepiece model path to verify on disk.
	TokenizerModel string
	// TmpPath is the scratch root; it must be creatable and writable.
	TmpPath string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime -----------------------------------------------------
	switch {
	case cfg.SkipRuntime:
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	case cfg.Runtime == nil:
		res.fail("onnx runtime: no detector configured")
		fmt.Fprintf(w, "%s onnx runtime: no detector configured\n", FailMark)
	default:
		path, ver, err := cfg.Runtime()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else if verErr := checkRuntimeVersion(ver); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime version: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime %s (%s): %v\n", FailMark, ver, path, verErr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s (%s)\n", PassMark, path, displayVersion(ver))
		}
	}

	// ---- model bundle -----------------------------------------------------
	if cfg.Bundle != nil {
		missing, err := cfg.Bundle()
		switch {
		case err != nil:
			res.fail(fmt.Sprintf("model bundle: %v", err))
			fmt.Fprintf(w, "%s model bundle: %v\n", FailMark, err)
		case len(missing) > 0:
			res.fail(fmt.Sprintf("model bundle: missing graphs %s", strings.Join(missing, ", ")))
			fmt.Fprintf(w, "%s model bundle: missing graphs %s\n", FailMark, strings.Join(missing, ", "))
		default:
			fmt.Fprintf(w, "%s model bundle: all graphs present\n", PassMark)
		}
	}

	// ---- tokenizer model --------------------------------------------------
	if cfg.TokenizerModel != "" {
		if _, err := os.Stat(cfg.TokenizerModel); err != nil {
			res.fail(fmt.Sprintf("tokenizer model %q: %v", cfg.TokenizerModel, err))
			fmt.Fprintf(w, "%s tokenizer model %s: not found\n", FailMark, cfg.TokenizerModel)
		} else {
			fmt.Fprintf(w, "%s tokenizer model: %s\n", PassMark, cfg.TokenizerModel)
		}
	}

	// ---- tmp_path ---------------------------------------------------------
	if cfg.TmpPath != "" {
		if err := checkWritable(cfg.TmpPath); err != nil {
			res.fail(fmt.Sprintf("tmp_path %q: %v", cfg.TmpPath, err))
			fmt.Fprintf(w, "%s tmp_path %s: %v\n", FailMark, cfg.TmpPath, err)
		} else {
			fmt.Fprintf(w, "%s tmp_path: %s writable\n", PassMark, cfg.TmpPath)
		}
	}

	return res
}

// checkRuntimeVersion returns an error if ver is older than the minimum
// supported release. An unknown version passes.
func checkRuntimeVersion(ver string) error {
	if ver == "" {
		return nil
	}
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major < minRuntimeMajor || (major == minRuntimeMajor && minor < minRuntimeMinor) {
		return fmt.Errorf("requires ONNX Runtime >=%d.%d, got %d.%d", minRuntimeMajor, minRuntimeMinor, major, minor)
	}
	return nil
}

func displayVersion(ver string) string {
	if ver == "" {
		return "version unknown"
	}
	return "v" + ver
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".omni-doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
