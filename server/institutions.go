package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// getInstitutions searches a country's institutions. refresh=true reloads the list, like after a failed load
func getInstitutions(institutions Institutions, defaultCountry string) gin.HandlerFunc {
	return func(c *gin.Context) {
		country := strings.TrimSpace(c.Query("country"))
		if country == "" {
			country = defaultCountry
		}
		if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
			institutions.Refresh(country)
		}
		results, err := institutions.Search(c, country, c.Query("search"))
		if err != nil {
			abortWithClientError(c, backendStatus(err), err)
			return
		}
		c.JSON(http.StatusOK, map[string]interface{}{
			"Institutions": results,
		})
	}
}
