package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	invoicingdomain "github.com/opsboard/opsboard/internal/invoicing/domain"
)

type listInvoicesQuery struct {
	BillingEntityID   string `form:"billing_entity_id"`
	BillingEntityType string `form:"billing_entity_type"`
	Period            string `form:"period"`
}

type listInvoicesResponse struct {
	Invoices []invoicingdomain.Invoice `json:"invoices"`
}

func (s *Server) listInvoices(c *gin.Context) {
	var query listInvoicesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	stmt := s.db.WithContext(c.Request.Context()).Model(&invoicingdomain.Invoice{})
	if id := parseSnowflake(query.BillingEntityID); id != 0 {
		stmt = stmt.Where("billing_entity_id = ?", id)
	}
	if query.BillingEntityType != "" {
		stmt = stmt.Where("billing_entity_type = ?", query.BillingEntityType)
	}
	if query.Period != "" {
		stmt = stmt.Where("period = ?", query.Period)
	}

	var invoices []invoicingdomain.Invoice
	if err := stmt.Order("created_at DESC").Limit(250).Find(&invoices).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, listInvoicesResponse{Invoices: invoices})
}
