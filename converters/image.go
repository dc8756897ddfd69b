package converters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ImageConverter re-encodes images between formats with ImageMagick. One
// output per input.
type ImageConverter struct {
	binary string
}

func NewImageConverter(binary string) *ImageConverter {
	if binary == "" {
		binary = "convert"
	}
	return &ImageConverter{binary: binary}
}

func (c *ImageConverter) Name() string { return "image" }

func (c *ImageConverter) Convert(ctx context.Context, inputs []string, target string, workDir string) ([]string, error) {
	outputs := make([]string, 0, len(inputs))
	for _, input := range inputs {
		if err := checkReadable(input); err != nil {
			return nil, err
		}
		output := filepath.Join(workDir, outputName(input, target))

		// JPEG has no alpha channel; flatten onto white instead of black.
		args := []string{input}
		if target == "jpg" || target == "jpeg" {
			args = append(args, "-background", "white", "-flatten")
		}
		args = append(args, output)

		if err := runTool(ctx, c.binary, args...); err != nil {
			return nil, err
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

// ImagesToPDF combines any number of images into a single PDF, page per
// image, in submission order.
type ImagesToPDF struct {
	binary string
}

func NewImagesToPDF(binary string) *ImagesToPDF {
	if binary == "" {
		binary = "convert"
	}
	return &ImagesToPDF{binary: binary}
}

func (c *ImagesToPDF) Name() string { return "images-to-pdf" }

func (c *ImagesToPDF) Convert(ctx context.Context, inputs []string, target string, workDir string) ([]string, error) {
	for _, input := range inputs {
		if err := checkReadable(input); err != nil {
			return nil, err
		}
	}
	output := filepath.Join(workDir, "combined.pdf")
	args := append(append([]string{}, inputs...), output)
	if err := runTool(ctx, c.binary, args...); err != nil {
		return nil, err
	}
	return []string{output}, nil
}

// runTool executes an external converter binary, folding its combined
// output into the returned error so status polling can surface it.
func runTool(ctx context.Context, binary string, args ...string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %w, output: %s", binary, err, string(out))
	}
	return nil
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCorruptInput, filepath.Base(path))
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorruptInput, filepath.Base(path))
	}
	return nil
}
