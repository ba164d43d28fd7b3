package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/store"
)

// multipartOverhead is the slack allowed on top of the file size for the
// multipart envelope.
const multipartOverhead = 1 << 20

type uploadResponse struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// uploadKind classifies a sniffed content type. Only images and PDFs are
// accepted.
func uploadKind(contentType string) (string, bool) {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return store.KindImage, true
	case contentType == "application/pdf":
		return store.KindPDF, true
	default:
		return "", false
	}
}

func (a *API) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUploadSize+multipartOverhead)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorResponse(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("File size exceeds maximum of %d bytes", a.maxUploadSize))
			return
		}
		errorResponse(c, http.StatusBadRequest, "A file field is required")
		return
	}
	if header.Size > a.maxUploadSize {
		errorResponse(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("File size exceeds maximum of %d bytes", a.maxUploadSize))
		return
	}

	file, err := header.Open()
	if err != nil {
		handleServiceError(c, fmt.Errorf("open upload: %w", err))
		return
	}
	sniff := make([]byte, 512)
	n, err := io.ReadFull(file, sniff)
	file.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		handleServiceError(c, fmt.Errorf("read upload: %w", err))
		return
	}

	contentType := http.DetectContentType(sniff[:n])
	kind, ok := uploadKind(contentType)
	if !ok {
		errorResponse(c, http.StatusUnsupportedMediaType, "Only images and PDF files are allowed")
		return
	}

	if err := os.MkdirAll(a.uploadDir, 0o755); err != nil {
		handleServiceError(c, fmt.Errorf("create upload dir: %w", err))
		return
	}
	stored := uuid.NewString() + storedExt(header.Filename)
	if err := c.SaveUploadedFile(header, filepath.Join(a.uploadDir, stored)); err != nil {
		handleServiceError(c, fmt.Errorf("save upload: %w", err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"username":     auth.Username(c),
		"file":         stored,
		"content_type": contentType,
		"size":         header.Size,
	}).Info("File uploaded")

	c.JSON(http.StatusCreated, uploadResponse{
		URL:  "/uploads/" + stored,
		Name: filepath.Base(header.Filename),
		Kind: kind,
	})
}

// storedExt keeps a short alphanumeric extension from the client's file
// name and drops anything else.
func storedExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
