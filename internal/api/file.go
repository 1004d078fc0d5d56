package api

import (
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// GetFile serves a stored artifact by name.
func GetFile(c *gin.Context) {
	app := getApp(c)

	file, err := app.Storage().GetFile(c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "file not found"})
		return
	}

	c.Data(http.StatusOK, mimetype.Detect(file.Content).String(), file.Content)
}
