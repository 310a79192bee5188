package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/designloop/kit"
	"github.com/hazyhaar/designloop/shield"
)

// multipartMemory is kept in memory per request; larger parts spill to disk.
const multipartMemory = 32 << 20

func isMultipart(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "multipart/")
}

func (s *Server) parseMultipart(r *http.Request) error {
	mem := int64(multipartMemory)
	if s.maxBody > 0 && s.maxBody < mem {
		mem = s.maxBody
	}
	if err := r.ParseMultipartForm(mem); err != nil {
		if shield.IsTooLarge(err) {
			return err
		}
		return &InputError{Reason: "malformed multipart body: " + err.Error()}
	}
	return nil
}

func cleanupMultipart(r *http.Request) {
	if r.MultipartForm != nil {
		r.MultipartForm.RemoveAll()
	}
}

// formFile returns the first file under name, or nil when absent.
func formFile(r *http.Request, name string) ([]byte, string, error) {
	f, hdr, err := r.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", &InputError{Field: name, Reason: err.Error()}
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, hdr.Filename, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if shield.IsTooLarge(err) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return &InputError{Reason: "request body is empty"}
		}
		return &InputError{Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}

// serve runs ep and writes its response or error.
func serve(w http.ResponseWriter, r *http.Request, ep kit.Endpoint, req any) {
	resp, err := ep(r.Context(), req)
	if err != nil {
		status, _ := statusOf(err)
		lg := shield.GetLogger(r.Context())
		if status >= 500 {
			lg.Error("api: request failed", "status", status, "error", err)
		} else {
			lg.Info("api: request rejected", "status", status, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIterate(w http.ResponseWriter, r *http.Request) {
	req := &IterateRequest{}
	if isMultipart(r) {
		if err := s.parseMultipart(r); err != nil {
			writeError(w, err)
			return
		}
		defer cleanupMultipart(r)
		req.HTML = r.FormValue("html")
		req.CSS = r.FormValue("css")
		req.Device = r.FormValue("device")
		req.TargetImage = r.FormValue("targetImage")
		if v := r.FormValue("maxIterations"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, &InputError{Field: "maxIterations", Reason: "must be an integer"})
				return
			}
			req.MaxIterations = n
		}
		req.Baseline, _ = strconv.ParseBool(r.FormValue("baseline"))
		data, _, err := formFile(r, "targetImage")
		if err != nil {
			writeError(w, err)
			return
		}
		req.target = data
	} else if err := decodeJSON(r, req); err != nil {
		writeError(w, err)
		return
	}
	serve(w, r, s.iterateEP, req)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	req := &ScreenshotRequest{}
	if isMultipart(r) {
		if err := s.parseMultipart(r); err != nil {
			writeError(w, err)
			return
		}
		defer cleanupMultipart(r)
		req.HTML, req.CSS, req.Device = r.FormValue("html"), r.FormValue("css"), r.FormValue("device")
	} else if err := decodeJSON(r, req); err != nil {
		writeError(w, err)
		return
	}
	serve(w, r, s.screenshotEP, req)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	req := &CompareRequest{}
	if isMultipart(r) {
		if err := s.parseMultipart(r); err != nil {
			writeError(w, err)
			return
		}
		defer cleanupMultipart(r)
		var err error
		if req.original, _, err = formFile(r, "original"); err != nil {
			writeError(w, err)
			return
		}
		if req.generated, _, err = formFile(r, "generated"); err != nil {
			writeError(w, err)
			return
		}
		req.Original, req.Generated = r.FormValue("original"), r.FormValue("generated")
		if v := r.FormValue("tolerance"); v != "" {
			tol, err := strconv.ParseFloat(v, 64)
			if err != nil {
				writeError(w, &InputError{Field: "tolerance", Reason: "must be a number"})
				return
			}
			req.Tolerance = &tol
		}
	} else if err := decodeJSON(r, req); err != nil {
		writeError(w, err)
		return
	}
	serve(w, r, s.compareEP, req)
}

// designLabel maps the frontend's upload field names to viewport labels.
func designLabel(field string) string {
	switch {
	case strings.HasPrefix(field, "pc"):
		return "desktop"
	case strings.HasPrefix(field, "sp"):
		return "mobile"
	default:
		return field
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req := &GenerateRequest{}
	if isMultipart(r) {
		if err := s.parseMultipart(r); err != nil {
			writeError(w, err)
			return
		}
		defer cleanupMultipart(r)

		fields := make([]string, 0, len(r.MultipartForm.File))
		for name := range r.MultipartForm.File {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		for _, name := range fields {
			for _, fh := range r.MultipartForm.File[name] {
				data, err := readPart(fh)
				if err != nil {
					writeError(w, err)
					return
				}
				req.Designs = append(req.Designs, DesignFile{Label: designLabel(name), raw: data})
			}
		}
		req.Instructions = r.FormValue("instructions")
		if ref := r.FormValue("referenceUrl"); ref != "" {
			req.Instructions = strings.TrimSpace(req.Instructions + "\nReference site for tone and structure: " + ref)
		}
	} else if err := decodeJSON(r, req); err != nil {
		writeError(w, err)
		return
	}
	serve(w, r, s.generateEP, req)
}

// pdfBody reads the PDF from a multipart "pdfFile" part or a raw body.
func (s *Server) pdfBody(r *http.Request) ([]byte, string, error) {
	if isMultipart(r) {
		if err := s.parseMultipart(r); err != nil {
			return nil, "", err
		}
		data, name, err := formFile(r, "pdfFile")
		if err != nil {
			return nil, "", err
		}
		if data == nil {
			return nil, "", &InputError{Missing: map[string]bool{"pdfFile": true}}
		}
		return data, name, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", &InputError{Missing: map[string]bool{"pdfFile": true}}
	}
	return data, "", nil
}

func (s *Server) handlePDFInfo(w http.ResponseWriter, r *http.Request) {
	defer cleanupMultipart(r)
	data, name, err := s.pdfBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	serve(w, r, s.endpoint("pdf_info", func(ctx context.Context, _ any) (any, error) {
		return s.PDFInfo(ctx, data, name)
	}), nil)
}

func (s *Server) handlePDFPages(w http.ResponseWriter, r *http.Request) {
	defer cleanupMultipart(r)
	data, _, err := s.pdfBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	serve(w, r, s.endpoint("pdf_pages", func(ctx context.Context, _ any) (any, error) {
		return s.PDFPages(ctx, data)
	}), nil)
}

// handlePDFPage serves one page image. density is accepted for the
// frontend's sake; pages are returned at their embedded resolution.
func (s *Server) handlePDFPage(w http.ResponseWriter, r *http.Request) {
	defer cleanupMultipart(r)
	data, _, err := s.pdfBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page := 1
	if v := r.FormValue("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil {
			writeError(w, &InputError{Field: "page", Reason: "must be an integer"})
			return
		}
	}
	serve(w, r, s.endpoint("pdf_page", func(ctx context.Context, _ any) (any, error) {
		return s.PDFPage(ctx, data, page)
	}), nil)
}

func (s *Server) handleConvertPDF(w http.ResponseWriter, r *http.Request) {
	defer cleanupMultipart(r)
	data, _, err := s.pdfBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var combine bool
	if v := r.FormValue("combine"); v != "" {
		if combine, err = strconv.ParseBool(v); err != nil {
			writeError(w, &InputError{Field: "combine", Reason: "must be a boolean"})
			return
		}
	}
	serve(w, r, s.endpoint("pdf_convert", func(ctx context.Context, _ any) (any, error) {
		return s.ConvertPDF(ctx, data, combine)
	}), nil)
}
