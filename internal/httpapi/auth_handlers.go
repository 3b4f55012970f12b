package httpapi

import (
	"net/http"

	"attendsheets/internal/account"
	"attendsheets/internal/model"

	"github.com/gin-gonic/gin"
)

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type profileRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

func (h *handler) signup(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req account.SignupRequest
		if !h.bind(c, &req) {
			return
		}
		if err := h.Accounts.Signup(c.Request.Context(), role, req); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Verification code sent to your email. Please verify to complete registration.",
			"email":   req.Email,
		})
	}
}

func (h *handler) verifyEmail(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req account.VerifyRequest
		if !h.bind(c, &req) {
			return
		}
		res, err := h.Accounts.VerifyEmail(c.Request.Context(), role, req)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func (h *handler) login(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req account.LoginRequest
		if !h.bind(c, &req) {
			return
		}
		res, err := h.Accounts.Login(c.Request.Context(), role, req)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *handler) resendVerification(c *gin.Context) {
	var req emailRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Accounts.ResendVerification(c.Request.Context(), req.Email); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Verification code resent"})
}

func (h *handler) requestPasswordReset(c *gin.Context) {
	var req emailRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Accounts.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "If an account exists for this email, a reset code has been sent"})
}

func (h *handler) resetPassword(c *gin.Context) {
	var req account.ResetRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Accounts.ResetPassword(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password reset successfully"})
}

func (h *handler) requestChangePassword(c *gin.Context) {
	if err := h.Accounts.RequestPasswordChange(c.Request.Context(), subject(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Verification code sent to your email"})
}

func (h *handler) changePassword(c *gin.Context) {
	var req account.ChangeRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Accounts.ChangePassword(c.Request.Context(), subject(c), req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password changed successfully"})
}

func (h *handler) updateProfile(c *gin.Context) {
	var req profileRequest
	if !h.bind(c, &req) {
		return
	}
	acc, err := h.Accounts.UpdateProfile(c.Request.Context(), subject(c), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Profile updated", "user": acc})
}

func (h *handler) me(c *gin.Context) {
	ctx := c.Request.Context()
	acc, err := h.Accounts.Get(ctx, subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if acc.Role == model.RoleTeacher {
		ov, err := h.Enrollment.TeacherOverview(ctx, acc.ID)
		if err != nil {
			h.fail(c, err)
			return
		}
		acc.Overview = &ov
	}
	c.JSON(http.StatusOK, acc)
}

// logout is stateless: tokens expire on their own and the client drops its copy.
func (h *handler) logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *handler) deleteTeacher(c *gin.Context) {
	if err := h.Enrollment.DeleteTeacher(c.Request.Context(), subject(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account and all classes deleted"})
}

func (h *handler) deleteStudent(c *gin.Context) {
	if err := h.Enrollment.DeleteStudent(c.Request.Context(), subject(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})
}

func (h *handler) contact(c *gin.Context) {
	var req account.ContactRequest
	if !h.bind(c, &req) {
		return
	}
	msg, err := h.Accounts.Contact(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Thank you for contacting us", "id": msg.ID})
}
