package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hazyhaar/designloop/codegen"
	"github.com/hazyhaar/designloop/designimport"
	"github.com/hazyhaar/designloop/iterate"
	"github.com/hazyhaar/designloop/pixeldiff"
	"github.com/hazyhaar/designloop/raster"
	"github.com/hazyhaar/designloop/render"
)

// --- iterate ---

// IterateRequest starts one refinement run. TargetImage is base64 or a data
// URL; multipart uploads fill the raw bytes instead.
type IterateRequest struct {
	HTML          string `json:"html"`
	CSS           string `json:"css"`
	TargetImage   string `json:"targetImage,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	Device        string `json:"device,omitempty"`
	Baseline      bool   `json:"baseline,omitempty"`

	target []byte
}

func (r *IterateRequest) validate() error {
	return missing(map[string]bool{
		"html":        r.HTML == "",
		"css":         r.CSS == "",
		"targetImage": len(r.target) == 0 && strings.TrimSpace(r.TargetImage) == "",
	})
}

func (r *IterateRequest) targetBytes() ([]byte, error) {
	if len(r.target) > 0 {
		return r.target, nil
	}
	return decodeImageField("targetImage", r.TargetImage)
}

// IterationView is one iteration as returned to clients. DiffImage is null
// when no diff was computed.
type IterationView struct {
	Iteration      int      `json:"iteration"`
	HTML           string   `json:"html"`
	CSS            string   `json:"css"`
	Screenshot     string   `json:"screenshot"`
	DiffPercentage float64  `json:"diffPercentage"`
	DiffImage      *string  `json:"diffImage"`
	NumDiffPixels  int      `json:"numDiffPixels,omitempty"`
	TotalPixels    int      `json:"totalPixels,omitempty"`
	Fallback       bool     `json:"fallback,omitempty"`
	Stage          string   `json:"stage,omitempty"`
	Adjustments    []string `json:"adjustments,omitempty"`
	Baseline       bool     `json:"baseline,omitempty"`
	Error          string   `json:"error,omitempty"`
	DurationMs     int64    `json:"durationMs"`
}

// IterateResponse is the full history of a run plus its best document.
type IterateResponse struct {
	RunID      string          `json:"runId"`
	State      iterate.State   `json:"state"`
	Best       int             `json:"best"`
	Viewport   string          `json:"viewport"`
	Result     render.Document `json:"result"`
	Iterations []IterationView `json:"iterations"`
}

// Iterate runs the refinement loop. Only invalid input is an error; render
// and decode failures are reported inside the run.
func (s *Server) Iterate(ctx context.Context, req *IterateRequest) (*IterateResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	target, err := req.targetBytes()
	if err != nil {
		return nil, err
	}
	if req.MaxIterations < 0 {
		return nil, &InputError{Field: "maxIterations", Reason: "must be positive"}
	}

	opts := []iterate.Option{iterate.WithMaxIterations(req.MaxIterations)}
	if req.Device != "" {
		vp, _ := render.ParseViewport(req.Device)
		opts = append(opts, iterate.WithViewport(vp))
	}
	if req.Baseline {
		opts = append(opts, iterate.WithBaseline(true))
	}

	run := s.controller.RunBytes(ctx, target, render.Document{Markup: req.HTML, Stylesheet: req.CSS}, opts...)
	s.ledger.RecordRun(run)
	return viewRun(run), nil
}

func viewRun(run *iterate.Run) *IterateResponse {
	resp := &IterateResponse{
		RunID:      run.ID,
		State:      run.State,
		Best:       run.Best,
		Viewport:   run.Viewport,
		Result:     run.BestDocument(),
		Iterations: make([]IterationView, 0, len(run.Iterations)),
	}
	for _, it := range run.Iterations {
		v := IterationView{
			Iteration:      it.Index,
			HTML:           it.Document.Markup,
			CSS:            it.Document.Stylesheet,
			DiffPercentage: it.DiffPercentage,
			Fallback:       it.Fallback,
			Stage:          it.Stage,
			Adjustments:    it.Adjustments,
			Baseline:       it.Baseline,
			Error:          it.Err,
			DurationMs:     it.Duration.Milliseconds(),
		}
		if it.Rendered != nil {
			v.Screenshot, _ = it.Rendered.DataURL()
		}
		if it.Diff != nil {
			v.NumDiffPixels = it.Diff.DifferingPixels
			v.TotalPixels = it.Diff.TotalPixels
			if it.Diff.DiffImage != nil {
				if url, err := it.Diff.DiffImage.DataURL(); err == nil {
					v.DiffImage = &url
				}
			}
		}
		resp.Iterations = append(resp.Iterations, v)
	}
	return resp
}

// --- screenshot ---

// ScreenshotRequest renders one document.
type ScreenshotRequest struct {
	HTML   string `json:"html"`
	CSS    string `json:"css"`
	Device string `json:"device,omitempty"`
}

// ScreenshotResponse carries the PNG as a data URL. Fallback is set when the
// placeholder stands in for a failed render.
type ScreenshotResponse struct {
	Screenshot string           `json:"screenshot"`
	Device     string           `json:"device"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Fallback   bool             `json:"fallback,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	Message    string           `json:"message,omitempty"`
	Attempts   []render.Attempt `json:"attempts,omitempty"`
}

// Screenshot renders req through the engine chain.
func (s *Server) Screenshot(ctx context.Context, req *ScreenshotRequest) (*ScreenshotResponse, error) {
	if err := missing(map[string]bool{"html": req.HTML == ""}); err != nil {
		return nil, err
	}
	vp, _ := render.ParseViewport(req.Device)
	doc := render.Document{Markup: req.HTML, Stylesheet: req.CSS}

	var res *render.Result
	if rr, ok := s.renderer.(render.ResultRenderer); ok {
		r, err := rr.RenderResult(ctx, doc, vp)
		if err != nil {
			return nil, err
		}
		res = r
	} else {
		img, err := s.renderer.Render(ctx, doc, vp)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", render.ErrExhausted, err)
		}
		res = &render.Result{Image: img}
	}
	s.ledger.RecordAttempts("", 0, res.Attempts)

	url, err := res.Image.DataURL()
	if err != nil {
		return nil, err
	}
	out := &ScreenshotResponse{
		Screenshot: url,
		Device:     vp.Name,
		Width:      res.Image.Width(),
		Height:     res.Image.Height(),
		Fallback:   res.Fallback,
		Stage:      res.Stage,
	}
	if res.Fallback {
		out.Message = "rendering failed; placeholder image returned"
		out.Attempts = res.Attempts
	}
	return out, nil
}

// --- compare ---

// CompareRequest compares two images given as base64 or data URLs. A nil
// Tolerance takes the configured default; 0 compares exactly.
type CompareRequest struct {
	Original  string   `json:"original"`
	Generated string   `json:"generated"`
	Tolerance *float64 `json:"tolerance,omitempty"`

	original, generated []byte
}

// CompareResponse is a diff with its visualisation.
type CompareResponse struct {
	DiffPercentage float64 `json:"diffPercentage"`
	DiffImage      string  `json:"diffImage"`
	NumDiffPixels  int     `json:"numDiffPixels"`
	TotalPixels    int     `json:"totalPixels"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
}

// Compare diffs the generated image against the original.
func (s *Server) Compare(_ context.Context, req *CompareRequest) (*CompareResponse, error) {
	if err := missing(map[string]bool{
		"original":  len(req.original) == 0 && req.Original == "",
		"generated": len(req.generated) == 0 && req.Generated == "",
	}); err != nil {
		return nil, err
	}
	tol := s.tolerance
	if req.Tolerance != nil {
		tol = *req.Tolerance
		if math.IsNaN(tol) || tol < 0 || tol > 1 {
			return nil, &InputError{Field: "tolerance", Reason: "must be in [0, 1]"}
		}
	}
	orig, gen := req.original, req.generated
	var err error
	if len(orig) == 0 {
		if orig, err = decodeImageField("original", req.Original); err != nil {
			return nil, err
		}
	}
	if len(gen) == 0 {
		if gen, err = decodeImageField("generated", req.Generated); err != nil {
			return nil, err
		}
	}

	res, err := pixeldiff.DiffBytes(orig, gen, tol)
	if err != nil {
		return nil, err
	}
	url, err := res.DiffImage.DataURL()
	if err != nil {
		return nil, err
	}
	return &CompareResponse{
		DiffPercentage: res.DiffPercentage,
		DiffImage:      url,
		NumDiffPixels:  res.DifferingPixels,
		TotalPixels:    res.TotalPixels,
		Width:          res.Width,
		Height:         res.Height,
	}, nil
}

// --- generate ---

// DesignFile is one uploaded design: an image or a PDF.
type DesignFile struct {
	Label string `json:"label,omitempty"`
	Data  string `json:"data"`

	raw []byte
}

// GenerateRequest asks the vision provider for code matching the designs.
type GenerateRequest struct {
	Designs      []DesignFile `json:"designs"`
	Instructions string       `json:"instructions,omitempty"`
}

// Generate produces html, css and js from design images. PDFs contribute
// one image per page.
func (s *Server) Generate(ctx context.Context, req *GenerateRequest) (*codegen.Code, error) {
	if !s.generator.Available() {
		return nil, codegen.ErrNoProvider
	}
	if len(req.Designs) == 0 {
		return nil, &InputError{Missing: map[string]bool{"designImage": true}}
	}

	var images []codegen.ImageInput
	for i, d := range req.Designs {
		data := d.raw
		if len(data) == 0 {
			var err error
			if data, err = decodeImageField(fmt.Sprintf("designs[%d]", i), d.Data); err != nil {
				return nil, err
			}
		}
		if isPDF(data) {
			pages, err := s.pageImages(ctx, data)
			if err != nil {
				return nil, err
			}
			for _, p := range pages {
				png, err := p.Image.EncodePNG()
				if err != nil {
					return nil, err
				}
				images = append(images, codegen.ImageInput{
					Label:    fmt.Sprintf("%s page %d", labelOr(d.Label), p.Page),
					MIMEType: "image/png",
					Data:     png,
				})
			}
			continue
		}
		img, err := raster.Decode(data)
		if err != nil {
			return nil, err
		}
		png, err := img.EncodePNG()
		if err != nil {
			return nil, err
		}
		images = append(images, codegen.ImageInput{Label: labelOr(d.Label), MIMEType: "image/png", Data: png})
	}

	code, err := s.generator.Generate(ctx, images, req.Instructions)
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func labelOr(label string) string {
	if label == "" {
		return "design"
	}
	return label
}

// --- pdf ---

// PDFInfo is the page count of an uploaded PDF.
type PDFInfo struct {
	PageCount int    `json:"pageCount"`
	FileSize  int    `json:"fileSize"`
	FileName  string `json:"fileName,omitempty"`
}

// PDFPage is one page image.
type PDFPage struct {
	Page   int    `json:"page"`
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// PDFPages lists the page images of an uploaded PDF.
type PDFPages struct {
	Pages     []PDFPage `json:"pages"`
	PageCount int       `json:"pageCount"`
}

// PDFInfo counts the pages of data.
func (s *Server) PDFInfo(ctx context.Context, data []byte, name string) (*PDFInfo, error) {
	if !isPDF(data) {
		return nil, &InputError{Field: "pdfFile", Reason: "a PDF file is required"}
	}
	n, err := s.importer.PageCount(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, importError(ctx, err)
	}
	return &PDFInfo{PageCount: n, FileSize: len(data), FileName: name}, nil
}

// PDFPages extracts the page images of data.
func (s *Server) PDFPages(ctx context.Context, data []byte) (*PDFPages, error) {
	if !isPDF(data) {
		return nil, &InputError{Field: "pdfFile", Reason: "a PDF file is required"}
	}
	pages, err := s.pageImages(ctx, data)
	if err != nil {
		return nil, err
	}
	out := &PDFPages{PageCount: len(pages), Pages: make([]PDFPage, 0, len(pages))}
	for _, p := range pages {
		url, err := p.Image.DataURL()
		if err != nil {
			return nil, err
		}
		out.Pages = append(out.Pages, PDFPage{Page: p.Page, Image: url, Width: p.Image.Width(), Height: p.Image.Height()})
	}
	return out, nil
}

// PDFPageImage is the image of one requested page.
type PDFPageImage struct {
	Image string `json:"image"`
	Page  int    `json:"page"`
}

// PDFPage returns the image of page (1-based) of data.
func (s *Server) PDFPage(ctx context.Context, data []byte, page int) (*PDFPageImage, error) {
	if !isPDF(data) {
		return nil, &InputError{Field: "pdfFile", Reason: "a PDF file is required"}
	}
	if page < 1 {
		return nil, &InputError{Field: "page", Reason: "must be at least 1"}
	}
	pages, err := s.pageImages(ctx, data)
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		if p.Page != page {
			continue
		}
		url, err := p.Image.DataURL()
		if err != nil {
			return nil, err
		}
		return &PDFPageImage{Image: url, Page: page}, nil
	}
	return nil, &InputError{Field: "page", Reason: fmt.Sprintf("page %d has no image", page)}
}

// PDFConversion is every page image of a PDF, or one image stacking them
// top to bottom when Combined.
type PDFConversion struct {
	Images    []PDFPageImage `json:"images,omitempty"`
	Image     string         `json:"image,omitempty"`
	PageCount int            `json:"pageCount"`
	Combined  bool           `json:"combined"`
}

// ConvertPDF extracts the page images of data. With combine and more than
// one page, they are stacked into a single image.
func (s *Server) ConvertPDF(ctx context.Context, data []byte, combine bool) (*PDFConversion, error) {
	if !isPDF(data) {
		return nil, &InputError{Field: "pdfFile", Reason: "a PDF file is required"}
	}
	pages, err := s.pageImages(ctx, data)
	if err != nil {
		return nil, err
	}
	out := &PDFConversion{PageCount: len(pages)}
	if combine && len(pages) > 1 {
		imgs := make([]*raster.Image, len(pages))
		for i, p := range pages {
			imgs[i] = p.Image
		}
		if out.Image, err = raster.StackVertical(imgs...).DataURL(); err != nil {
			return nil, err
		}
		out.Combined = true
		return out, nil
	}
	out.Images = make([]PDFPageImage, 0, len(pages))
	for _, p := range pages {
		url, err := p.Image.DataURL()
		if err != nil {
			return nil, err
		}
		out.Images = append(out.Images, PDFPageImage{Image: url, Page: p.Page})
	}
	return out, nil
}

func (s *Server) pageImages(ctx context.Context, data []byte) ([]designimport.PageImage, error) {
	pages, err := s.importer.PageImages(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, importError(ctx, err)
	}
	return pages, nil
}

func importError(ctx context.Context, err error) error {
	if errors.Is(err, designimport.ErrNoPageImages) || ctx.Err() != nil {
		return err
	}
	return &pdfError{err: err}
}

// --- helpers ---

var pdfMagic = []byte("%PDF-")

func isPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), pdfMagic)
}

// decodeImageField accepts plain base64 or a base64 data URL.
func decodeImageField(field, s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, &InputError{Field: field, Reason: "malformed data URL"}
		}
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &InputError{Field: field, Reason: "not base64 or a base64 data URL"}
	}
	return data, nil
}
