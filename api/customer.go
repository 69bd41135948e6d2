package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/rentalengine-backend/internal/middleware"
)

// createCustomerSession lets the rider manage saved cards, creating the card processor
// customer on first use.
func (a *API) createCustomerSession(c *gin.Context) {
	customerID, secret, err := a.svc.CustomerSession(c.Request.Context(), currentRider(c))
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, struct {
		CustomerID   string `json:"customerId"`
		ClientSecret string `json:"clientSecret"`
	}{
		CustomerID:   customerID,
		ClientSecret: secret,
	})
}

func (a *API) createSetupIntent(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)

	secret, err := a.svc.SetupIntent(c.Request.Context(), riderID)
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, struct {
		SetupIntent string `json:"setupIntent"`
	}{
		SetupIntent: secret,
	})
}
