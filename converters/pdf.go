package converters

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// PDFToImages rasterizes PDF pages with pdftoppm. One input expands into
// one output per page.
type PDFToImages struct {
	binary string
}

func NewPDFToImages(binary string) *PDFToImages {
	if binary == "" {
		binary = "pdftoppm"
	}
	return &PDFToImages{binary: binary}
}

func (c *PDFToImages) Name() string { return "pdf-to-images" }

func (c *PDFToImages) Convert(ctx context.Context, inputs []string, target string, workDir string) ([]string, error) {
	var fmtFlag string
	switch strings.ToLower(target) {
	case "jpg", "jpeg":
		fmtFlag = "-jpeg"
	case "png":
		fmtFlag = "-png"
	default:
		return nil, fmt.Errorf("pdftoppm: unsupported image format %q", target)
	}

	var outputs []string
	for i, input := range inputs {
		if err := checkReadable(input); err != nil {
			return nil, err
		}
		prefix := filepath.Join(workDir, fmt.Sprintf("page%d", i))
		if err := runTool(ctx, c.binary, fmtFlag, "-r", "200", input, prefix); err != nil {
			return nil, err
		}

		// pdftoppm names pages <prefix>-1.jpg, <prefix>-2.jpg, ...
		ext := strings.ToLower(target)
		if ext == "jpeg" {
			ext = "jpg"
		}
		pages, err := filepath.Glob(prefix + "-*." + ext)
		if err != nil || len(pages) == 0 {
			return nil, fmt.Errorf("%w: %s produced no pages", ErrCorruptInput, filepath.Base(input))
		}
		sort.Strings(pages)
		outputs = append(outputs, pages...)
	}
	return outputs, nil
}

// PDFToDocument converts a PDF into DOCX via headless LibreOffice.
type PDFToDocument struct {
	sofficePath string
}

func NewPDFToDocument(sofficePath string) *PDFToDocument {
	if sofficePath == "" {
		sofficePath = "soffice"
	}
	return &PDFToDocument{sofficePath: sofficePath}
}

func (c *PDFToDocument) Name() string { return "pdf-to-document" }

func (c *PDFToDocument) Convert(ctx context.Context, inputs []string, target string, workDir string) ([]string, error) {
	var outputs []string
	for _, input := range inputs {
		if err := checkReadable(input); err != nil {
			return nil, err
		}

		// A private user-installation dir avoids profile locking when
		// several workers shell out concurrently.
		userDir := filepath.Join(workDir, "soffice_user")
		err := runTool(ctx, c.sofficePath,
			"-env:UserInstallation=file://"+userDir,
			"--headless",
			"--infilter=writer_pdf_import",
			"--convert-to", "docx",
			"--outdir", workDir,
			input,
		)
		if err != nil {
			return nil, err
		}

		expected := filepath.Join(workDir, strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))+".docx")
		if err := checkReadable(expected); err != nil {
			return nil, fmt.Errorf("libreoffice did not produce %s", filepath.Base(expected))
		}
		outputs = append(outputs, expected)
	}
	return outputs, nil
}
