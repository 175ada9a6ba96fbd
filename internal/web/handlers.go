package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"facefind/internal/face"
	"facefind/internal/scan"
	"facefind/internal/store"
	"facefind/internal/video"
)

// maxUploadSize caps the combined request body.
const maxUploadSize = 100 << 20

var (
	imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true}
	videoExts = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".wmv": true}
)

type detectResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Output  string        `json:"output_video,omitempty"`
	Summary *scan.Summary `json:"detection_summary,omitempty"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports liveness.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "facefind",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDetect accepts a reference photo and a video, runs the scan, and
// returns the summary. Uploads are deleted once the scan finishes; the
// annotated output stays on disk for the download endpoints.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form (100MB limit)")
		return
	}
	defer r.MultipartForm.RemoveAll()

	params, err := parseParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	imagePath, err := s.saveUpload(r, "person_image", imageExts)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(imagePath)

	videoPath, err := s.saveUpload(r, "crowd_video", videoExts)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(videoPath)

	summary, err := s.pipeline(r.Context(), scan.Options{
		PersonImagePath: imagePath,
		VideoPath:       videoPath,
		OutputDir:       s.cfg.Paths.OutputDir,
		Params:          params,
		Detector:        s.detector,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scan.ErrInvalidParameter) ||
			errors.Is(err, face.ErrNoFaceFound) ||
			errors.Is(err, video.ErrVideoOpen) {
			status = http.StatusBadRequest
		}
		log.Errorf("Detection failed: %v", err)
		respondError(w, status, err.Error())
		return
	}

	s.persist(r, summary, params, videoPath)

	respondJSON(w, http.StatusOK, detectResponse{
		Success: true,
		Message: fmt.Sprintf("Person detected in %d of %d frames", summary.DetectedFrames, summary.TotalFrames),
		Output:  filepath.Base(summary.OutputPath),
		Summary: summary,
	})
}

// persist best-effort records the scan; a storage failure never fails the
// request that already produced a valid output.
func (s *Server) persist(r *http.Request, summary *scan.Summary, params scan.Params, videoPath string) {
	if s.store == nil {
		return
	}
	rec := store.ScanRecord{
		VideoPath:      videoPath,
		OutputPath:     summary.OutputPath,
		Tolerance:      params.Tolerance,
		FrameSkip:      params.FrameSkip,
		TotalFrames:    summary.TotalFrames,
		DetectedFrames: summary.DetectedFrames,
	}
	if _, err := s.store.SaveScan(r.Context(), rec, summary.Reference, summary.Timestamps); err != nil {
		log.Warnf("Failed to record scan: %v", err)
	}
}

// parseParams reads tolerance and frame_skip form values, defaulting when
// absent. Range checks happen in the pipeline; only unparseable values are
// rejected here.
func parseParams(r *http.Request) (scan.Params, error) {
	p := scan.Params{Tolerance: scan.DefaultTolerance, FrameSkip: scan.DefaultFrameSkip}

	if v := r.FormValue("tolerance"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("tolerance must be a number, got %q", v)
		}
		p.Tolerance = f
	}
	if v := r.FormValue("frame_skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("frame_skip must be an integer, got %q", v)
		}
		p.FrameSkip = n
	}
	return p, p.Validate()
}

// saveUpload writes one multipart file into the upload directory under a
// collision-free name and returns its path.
func (s *Server) saveUpload(r *http.Request, field string, allowed map[string]bool) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", fmt.Errorf("%s file is required", field)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowed[ext] {
		return "", fmt.Errorf("%s: unsupported file type %q", field, ext)
	}

	if err := os.MkdirAll(s.cfg.Paths.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s%s", field, time.Now().Format("20060102_150405"), uuid.NewString()[:8], ext)
	path := filepath.Join(s.cfg.Paths.UploadDir, name)
	if err := writeFile(path, file); err != nil {
		return "", err
	}
	return path, nil
}

func writeFile(path string, src multipart.File) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		os.Remove(path)
		return fmt.Errorf("save upload: %w", err)
	}
	return nil
}

// handleDownload serves an output video as an attachment.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path, ok := s.outputFile(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// handleView serves an output video inline for browser playback.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	path, ok := s.outputFile(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

// outputFile resolves the filename route parameter inside the output
// directory, rejecting anything that isn't a plain filename there.
func (s *Server) outputFile(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		respondError(w, http.StatusBadRequest, "invalid filename")
		return "", false
	}

	path := filepath.Join(s.cfg.Paths.OutputDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		respondError(w, http.StatusNotFound, "output not found")
		return "", false
	}
	return path, true
}
