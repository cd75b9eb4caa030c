// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"catalog-ingest-go/internal/middleware"
	"catalog-ingest-go/internal/service"
	"catalog-ingest-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// UploadHandler 负责处理所有与导入上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// Submit 接收 multipart 表单中的 file 字段，创建上传并立即返回，处理在后台进行。
func (h *UploadHandler) Submit(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "未能获取上传的文件"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无法读取上传的文件"})
		return
	}
	defer file.Close()

	uploadedBy := ""
	if claims := middleware.CurrentClaims(c); claims != nil {
		uploadedBy = claims.Username
	}

	upload, err := h.uploadService.Submit(c.Request.Context(), service.SubmitRequest{
		FileName:       fileHeader.Filename,
		Size:           fileHeader.Size,
		Body:           file,
		DatasetContext: c.PostForm("datasetContext"),
		UploadedBy:     uploadedBy,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidUpload) {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
			return
		}
		log.Error("Submit: failed to submit upload", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "提交失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    http.StatusAccepted,
		"message": "文件已接收，正在后台处理",
		"data": gin.H{
			"uploadId": upload.ID,
			"batchId":  upload.BatchID,
			"kind":     upload.Kind,
			"status":   upload.Status,
		},
	})
}

// List 返回最近的上传。
func (h *UploadHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	views, err := h.uploadService.List(c.Request.Context(), limit)
	if err != nil {
		log.Error("List: failed to list uploads", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "获取上传列表成功", "data": views})
}

// Status 返回上传的状态视图。
func (h *UploadHandler) Status(c *gin.Context) {
	id, ok := uploadID(c)
	if !ok {
		return
	}
	view, err := h.uploadService.Status(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "获取上传状态成功", "data": view})
}

// ListChunks 返回上传的分块列表。
func (h *UploadHandler) ListChunks(c *gin.Context) {
	id, ok := uploadID(c)
	if !ok {
		return
	}
	chunks, err := h.uploadService.ListChunks(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "ListChunks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "获取分块列表成功", "data": chunks})
}

// Cancel 取消一个尚未结束的上传。
func (h *UploadHandler) Cancel(c *gin.Context) {
	id, ok := uploadID(c)
	if !ok {
		return
	}
	n, err := h.uploadService.Cancel(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Cancel", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "已取消", "data": gin.H{"cancelledChunks": n}})
}

func (h *UploadHandler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrUploadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "上传不存在"})
	case errors.Is(err, service.ErrUploadFinished):
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "上传已结束"})
	default:
		log.Error(op+": request failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误"})
	}
}

func uploadID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的上传 ID"})
		return 0, false
	}
	return uint(id), true
}
