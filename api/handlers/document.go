package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/lecture-processor/api/middleware"
	"github.com/feichai0017/lecture-processor/internal/apperr"
	"github.com/feichai0017/lecture-processor/internal/models"
	"github.com/feichai0017/lecture-processor/internal/service/document"
	"github.com/feichai0017/lecture-processor/pkg/logger"
)

type DocumentHandler struct {
	service document.DocumentProcessor
	logger  logger.Logger
}

type UploadURLRequest struct {
	FileName string `json:"fileName" binding:"required"`
}

// RegisterRequest 登记已上传到存储的文件
type RegisterRequest struct {
	StorageRef                string   `json:"storageRef"`
	FileName                  string   `json:"fileName"`
	FileType                  string   `json:"fileType"`
	FileSize                  int64    `json:"fileSize"`
	Title                     string   `json:"title"`
	Description               string   `json:"description"`
	Tags                      []string `json:"tags"`
	RequestExternalProcessing bool     `json:"requestExternalProcessing"`
}

type RegisterResponse struct {
	ID     string            `json:"id"`
	Status models.LocalState `json:"status"`
}

func NewDocumentHandler(service document.DocumentProcessor, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service: service,
		logger:  log.Named("document_handler"),
	}
}

// RequestUploadURL 获取预签名上传地址
func (h *DocumentHandler) RequestUploadURL(c *gin.Context) {
	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, "Invalid request body", apperr.Invalid("fileName", "is required"))
		return
	}
	target, err := h.service.RequestUploadTarget(c.Request.Context(), req.FileName)
	if err != nil {
		respondError(c, h.logger, "Failed to issue upload url", err)
		return
	}
	c.JSON(http.StatusOK, target)
}

// RegisterDocument 登记文档并触发异步处理
func (h *DocumentHandler) RegisterDocument(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, "Invalid request body", apperr.Invalid("body", err.Error()))
		return
	}
	id, err := h.service.RegisterUpload(c.Request.Context(), models.RegisterUploadInput{
		OwnerID:                   middleware.OwnerID(c),
		StorageRef:                req.StorageRef,
		FileName:                  req.FileName,
		FileType:                  req.FileType,
		FileSize:                  req.FileSize,
		Title:                     req.Title,
		Description:               req.Description,
		Tags:                      req.Tags,
		RequestExternalProcessing: req.RequestExternalProcessing,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to register document", err)
		return
	}
	c.JSON(http.StatusAccepted, RegisterResponse{ID: id, Status: models.LocalUploaded})
}

// UploadDocument 直接上传单个文档
func (h *DocumentHandler) UploadDocument(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, h.logger, "Invalid file upload", apperr.Invalid("file", "is required"))
		return
	}
	in, err := uploadInput(c)
	if err != nil {
		respondError(c, h.logger, "Invalid form data", err)
		return
	}
	in.Title = c.PostForm("title")

	rec, err := h.service.UploadDocument(c.Request.Context(), in, header)
	if err != nil {
		respondError(c, h.logger, "Failed to upload document", err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// UploadBatch 批量上传文档
func (h *DocumentHandler) UploadBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, h.logger, "Invalid form data", apperr.Invalid("files", err.Error()))
		return
	}
	in, err := uploadInput(c)
	if err != nil {
		respondError(c, h.logger, "Invalid form data", err)
		return
	}

	recs, err := h.service.UploadBatch(c.Request.Context(), in, form.File["files"])
	if err != nil {
		respondError(c, h.logger, "Failed to upload documents", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"count":     len(recs),
		"documents": recs,
	})
}

// ListDocuments lists the caller's documents. ?owner= overrides X-User-ID.
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		owner = middleware.OwnerID(c)
	}
	recs, err := h.service.ListDocuments(c.Request.Context(), owner)
	if err != nil {
		respondError(c, h.logger, "Failed to list documents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(recs),
		"documents": recs,
	})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	rec, err := h.service.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get document", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetStatus 获取处理状态
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	status, err := h.service.GetProcessingStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetContent 下载本地处理结果. ?download=true answers as an attachment.
func (h *DocumentHandler) GetContent(c *gin.Context) {
	id := c.Param("id")
	doc, err := h.service.GetProcessedContent(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Failed to get processed content", err)
		return
	}
	if download, _ := strconv.ParseBool(c.Query("download")); download {
		c.Header("Content-Disposition", "attachment; filename=processed_"+id+".json")
	}
	c.JSON(http.StatusOK, doc)
}

func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	if err := h.service.DeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, "Failed to delete document", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// uploadInput reads the form fields shared by single and batch uploads.
// Tags may repeat or be comma separated.
func uploadInput(c *gin.Context) (document.UploadInput, error) {
	in := document.UploadInput{
		OwnerID:     middleware.OwnerID(c),
		Description: c.PostForm("description"),
	}
	for _, v := range c.PostFormArray("tags") {
		in.Tags = append(in.Tags, strings.Split(v, ",")...)
	}
	if raw := c.PostForm("external"); raw != "" {
		external, err := strconv.ParseBool(raw)
		if err != nil {
			return in, apperr.Invalid("external", "must be a boolean")
		}
		in.RequestExternalProcessing = external
	}
	return in, nil
}
