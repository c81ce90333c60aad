package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/johnstarich/sagelink/consts"
)

func getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"Version": consts.Version,
	})
}
