package httpapi

import (
	"net/http"
	"strconv"

	"attendsheets/internal/apperr"
	"attendsheets/internal/enrollment"
	"attendsheets/internal/qrsession"

	"github.com/gin-gonic/gin"
)

type enrollRequest struct {
	ClassID string `json:"classId" validate:"required"`
	enrollment.StudentInfo
}

type startRequest struct {
	ClassID string `json:"classId" validate:"required"`
	qrsession.StartRequest
}

type scanRequest struct {
	ClassID string `json:"classId" validate:"required"`
	QRCode  string `json:"qrCode" validate:"required,qrcode"`
}

func (h *handler) listClasses(c *gin.Context) {
	views, err := h.Enrollment.ListClasses(c.Request.Context(), subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *handler) createClass(c *gin.Context) {
	var req enrollment.ClassInput
	if !h.bind(c, &req) {
		return
	}
	view, err := h.Enrollment.CreateClass(c.Request.Context(), subject(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *handler) getClass(c *gin.Context) {
	view, err := h.Enrollment.GetClass(c.Request.Context(), subject(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) updateClass(c *gin.Context) {
	var req enrollment.ClassUpdate
	if !h.bind(c, &req) {
		return
	}
	view, err := h.Enrollment.UpdateClass(c.Request.Context(), subject(c), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) deleteClass(c *gin.Context) {
	if err := h.Enrollment.DeleteClass(c.Request.Context(), subject(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Class deleted successfully"})
}

func (h *handler) classActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.Enrollment.ClassActivity(c.Request.Context(), subject(c), c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": list})
}

func (h *handler) verifyClass(c *gin.Context) {
	sum, err := h.Enrollment.VerifyClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handler) enroll(c *gin.Context) {
	var req enrollRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.Enrollment.Enroll(c.Request.Context(), subject(c), req.ClassID, req.StudentInfo)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) unenroll(c *gin.Context) {
	ok, err := h.Enrollment.Unenroll(c.Request.Context(), subject(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": detail(apperr.ErrNotEnrolled)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Successfully unenrolled from class"})
}

func (h *handler) studentClasses(c *gin.Context) {
	list, err := h.Enrollment.StudentClasses(c.Request.Context(), subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) studentClass(c *gin.Context) {
	view, err := h.Enrollment.StudentClassDetail(c.Request.Context(), subject(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) startSession(c *gin.Context) {
	var req startRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.QR.Start(c.Request.Context(), subject(c), req.ClassID, req.StartRequest)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) stopSession(c *gin.Context) {
	res, err := h.QR.Stop(c.Request.Context(), subject(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) sessionStatus(c *gin.Context) {
	res, err := h.QR.Status(c.Request.Context(), subject(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) currentCode(c *gin.Context) {
	res, err := h.QR.CurrentCode(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) scan(c *gin.Context) {
	var req scanRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.QR.Scan(c.Request.Context(), subject(c), req.ClassID, req.QRCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
