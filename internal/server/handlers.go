package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/nexus-im/courier/internal/messaging"
	"github.com/nexus-im/courier/store/message"
)

const (
	msgEmpty            = "Message content or image is required"
	msgReceiverNotFound = "Receiver not found"
	msgUserNotFound     = "User not found"
	msgUploadFailed     = "Image upload failed"
	msgInternal         = "Internal server error"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		s.log.Warn("Health check write failed", "error", err)
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.ListOtherUsers(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, r, err, msgUserNotFound)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	messages, err := s.svc.GetConversation(r.Context(), UserID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err, msgUserNotFound)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	content, image, err := s.readSendBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := s.svc.Send(r.Context(), messaging.SendRequest{
		SenderID:   UserID(r.Context()),
		ReceiverID: r.PathValue("id"),
		Content:    content,
		Image:      image,
	})
	if err != nil {
		s.fail(w, r, err, msgReceiverNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// fail maps a service error to its HTTP status. notFound is the body used
// for ErrNotFound, which differs between endpoints.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, context.Canceled):
		s.log.Info("Client went away", "path", r.URL.Path)
	case errors.Is(err, message.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, msgEmpty)
	case errors.Is(err, messaging.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid message")
	case errors.Is(err, messaging.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, messaging.ErrUpload):
		writeError(w, http.StatusBadGateway, msgUploadFailed)
	default:
		s.log.Error("Request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

type sendBody struct {
	Content string `json:"content"`
	Text    string `json:"text"`
	// Image is a data URL or plain base64.
	Image string `json:"image"`
}

// readSendBody accepts either multipart/form-data with "content" and an
// "image" file part, or JSON.
func (s *Server) readSendBody(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	limit := s.maxImage*2 + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.maxImage + 1<<20); err != nil {
			return "", nil, err
		}
		content := r.FormValue("content")
		file, _, err := r.FormFile("image")
		if errors.Is(err, http.ErrMissingFile) {
			return content, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		defer func() {
			_ = file.Close()
		}()
		image, err := io.ReadAll(file)
		if err != nil {
			return "", nil, err
		}
		return content, image, nil
	}

	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	content := body.Content
	if content == "" {
		content = body.Text
	}
	image, err := decodeImage(body.Image)
	if err != nil {
		return "", nil, err
	}
	return content, image, nil
}

func decodeImage(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ";base64,")
		if i < 0 {
			return nil, errors.New("image data URL is not base64")
		}
		s = s[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return data, nil
}
