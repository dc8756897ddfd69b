package converters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// GotenbergClient talks to a Gotenberg instance, which fronts headless
// LibreOffice for document rendering.
type GotenbergClient struct {
	baseURL string
	client  *http.Client
}

func NewGotenbergClient(baseURL string) *GotenbergClient {
	return &GotenbergClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// RenderPDF sends the document through the LibreOffice route and writes the
// rendered PDF next to the input.
func (g *GotenbergClient) RenderPDF(ctx context.Context, inputPath string) (string, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("files", filepath.Base(inputPath))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/forms/libreoffice/convert", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	outputPath := inputPath + ".rendered.pdf"
	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, resp.Body); err != nil {
		return "", fmt.Errorf("failed to save rendered file: %w", err)
	}

	return outputPath, nil
}

// DocumentToPDF renders office documents to PDF by delegating to Gotenberg.
type DocumentToPDF struct {
	gotenberg *GotenbergClient
}

func NewDocumentToPDF(gotenberg *GotenbergClient) *DocumentToPDF {
	return &DocumentToPDF{gotenberg: gotenberg}
}

func (c *DocumentToPDF) Name() string { return "document-to-pdf" }

func (c *DocumentToPDF) Convert(ctx context.Context, inputs []string, target string, workDir string) ([]string, error) {
	var outputs []string
	for _, input := range inputs {
		if err := checkReadable(input); err != nil {
			return nil, err
		}
		rendered, err := c.gotenberg.RenderPDF(ctx, input)
		if err != nil {
			return nil, err
		}

		output := filepath.Join(workDir, outputName(input, "pdf"))
		if err := os.Rename(rendered, output); err != nil {
			return nil, fmt.Errorf("failed to move rendered file: %w", err)
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}
