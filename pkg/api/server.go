// Package api provides the REST API server for chiptune2midi
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/converter/formats"
	"github.com/james-see/chiptune2midi/pkg/logger"
	"github.com/james-see/chiptune2midi/pkg/modulation"
)

// MaxUploadSize limits uploaded sequence files.
const MaxUploadSize = 8 << 20

// @title Chiptune2MIDI API
// @version 1.0
// @description API for converting game music sequence data to Standard MIDI Files
// @host localhost:8080
// @BasePath /api/v1

// StartServer starts the API server on the specified port
func StartServer(port int) error {
	logger.GetLogger().Info("starting API server", "port", port)
	return NewRouter().Run(fmt.Sprintf(":%d", port))
}

// NewRouter returns the API routes.
func NewRouter() *gin.Engine {
	r := gin.Default()

	// CORS middleware
	r.Use(corsMiddleware())

	// Health check
	r.GET("/health", healthCheck)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", healthCheck)
		v1.GET("/formats", listFormats)
		v1.POST("/convert", handleConvert)
		v1.POST("/inspect", handleInspect)
		v1.POST("/midi/inspect", handleMIDIInspect)
		v1.POST("/syx", handleSyx)
	}

	// Swagger docs
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Expose-Headers", "Content-Disposition, X-Format, X-Warnings")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// healthCheck godoc
// @Summary Health check endpoint
// @Description Returns the health status of the API
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "chiptune2midi",
	})
}

// FormatInfo describes one input format.
type FormatInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Extensions  []string `json:"extensions"`
}

// listFormats godoc
// @Summary List supported formats
// @Description Returns the sequence formats that can be converted
// @Tags info
// @Produce json
// @Success 200 {object} map[string][]FormatInfo
// @Router /api/v1/formats [get]
func listFormats(c *gin.Context) {
	var list []FormatInfo
	for _, f := range formats.All() {
		list = append(list, FormatInfo{
			ID:          f.ID(),
			Name:        f.Name(),
			Description: f.Description(),
			Extensions:  f.Extensions(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"formats":      list,
		"pitch_modes":  []string{modulation.Driver.String(), modulation.PrecisePB.String(), modulation.PreciseVibrato.String()},
		"output":       "midi",
		"default_loop": converter.DefaultLoops,
	})
}

// handleConvert godoc
// @Summary Convert a sequence to MIDI
// @Description Upload sequence data and receive a Standard MIDI File
// @Tags convert
// @Accept multipart/form-data
// @Produce audio/midi
// @Param file formData file true "Sequence file to convert"
// @Param format query string false "Input format ID (default: auto-detect)"
// @Param loops query int false "Minimum master loop passes (default: 2)"
// @Param no_loop_ext query bool false "Do not extend loops of short tracks"
// @Param driver_bugs query bool false "Reproduce sound driver bugs"
// @Param tie_lookahead query bool false "Search past other commands for ties (TSD)"
// @Param ed4 query bool false "Older TSD driver mode"
// @Param no_track_names query bool false "Omit track names"
// @Param pitch query string false "Pitch mode: driver, precise-pb, precise-vib"
// @Param decode_text query bool false "Convert Shift-JIS text to UTF-8"
// @Success 200 {file} binary
// @Failure 400 {object} map[string]string
// @Failure 422 {object} map[string]string
// @Router /api/v1/convert [post]
func handleConvert(c *gin.Context) {
	conv, name, data, ok := prepare(c)
	if !ok {
		return
	}

	res, err := conv.Convert(data)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", converter.OutputName(name)))
	c.Header("X-Format", res.Format)
	c.Header("X-Warnings", strconv.Itoa(len(res.Warnings)))
	c.Data(http.StatusOK, "audio/midi", res.MIDI)
}

// handleInspect godoc
// @Summary Inspect a sequence
// @Description Upload sequence data and receive its track layout and loop report
// @Tags convert
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Sequence file to inspect"
// @Param format query string false "Input format ID (default: auto-detect)"
// @Param loops query int false "Minimum master loop passes (default: 2)"
// @Param no_loop_ext query bool false "Do not extend loops of short tracks"
// @Success 200 {object} converter.Result
// @Failure 400 {object} map[string]string
// @Failure 422 {object} map[string]string
// @Router /api/v1/inspect [post]
func handleInspect(c *gin.Context) {
	conv, _, data, ok := prepare(c)
	if !ok {
		return
	}

	var (
		res *converter.Result
		err error
	)
	if c.Query("warnings") == "true" {
		// warnings only show up while transcoding
		res, err = conv.Convert(data)
	} else {
		res, err = conv.Inspect(data)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleMIDIInspect godoc
// @Summary Inspect a MIDI file
// @Description Upload a Standard MIDI File and receive a track summary
// @Tags info
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "MIDI file"
// @Success 200 {object} converter.MIDIInfo
// @Failure 400 {object} map[string]string
// @Router /api/v1/midi/inspect [post]
func handleMIDIInspect(c *gin.Context) {
	_, data, ok := upload(c)
	if !ok {
		return
	}
	info, err := converter.ReadMIDI(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleSyx godoc
// @Summary Convert an M2 SysEx dump to .syx
// @Description Upload a length-prefixed SysEx dump and receive raw SysEx messages
// @Tags convert
// @Accept multipart/form-data
// @Produce application/octet-stream
// @Param file formData file true "SysEx dump"
// @Success 200 {file} binary
// @Failure 400 {object} map[string]string
// @Router /api/v1/syx [post]
func handleSyx(c *gin.Context) {
	name, data, ok := upload(c)
	if !ok {
		return
	}
	syx, err := converter.M2exToSyx(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rep, err := converter.CheckSyx(syx)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out := strings.TrimSuffix(name, filepath.Ext(name)) + ".syx"
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", out))
	c.Header("X-Warnings", strconv.Itoa(len(rep.Warnings)))
	c.Data(http.StatusOK, "application/octet-stream", syx)
}

// upload reads the "file" form field.
func upload(c *gin.Context) (string, []byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return "", nil, false
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return "", nil, false
	}
	return filepath.Base(header.Filename), data, true
}

// prepare reads the upload and sets up a converter from the query.
func prepare(c *gin.Context) (*converter.Converter, string, []byte, bool) {
	opts, err := optionsFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, "", nil, false
	}
	name, data, ok := upload(c)
	if !ok {
		return nil, "", nil, false
	}

	var f converter.Format
	if id := c.Query("format"); id != "" {
		f, err = formats.Lookup(id)
	} else {
		f, err = formats.Detect(name, data)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, "", nil, false
	}
	return converter.New(f, opts), name, data, true
}

func optionsFromQuery(c *gin.Context) (converter.Options, error) {
	var opts converter.Options
	if s := c.Query("loops"); s != "" {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return opts, fmt.Errorf("invalid loops: %s", s)
		}
		opts.Loops = uint16(n)
	}
	pitch, err := modulation.ParsePitchMode(c.Query("pitch"))
	if err != nil {
		return opts, err
	}
	opts.Pitch = pitch

	for _, b := range []struct {
		name string
		dst  *bool
	}{
		{"no_loop_ext", &opts.NoLoopExt},
		{"driver_bugs", &opts.DriverBugs},
		{"tie_lookahead", &opts.TieLookahead},
		{"ed4", &opts.ED4Mode},
		{"no_track_names", &opts.NoTrackNames},
		{"decode_text", &opts.DecodeText},
	} {
		s := c.Query(b.name)
		if s == "" {
			continue
		}
		v, err := strconv.ParseBool(s)
		if err != nil {
			return opts, fmt.Errorf("invalid %s: %s", b.name, s)
		}
		*b.dst = v
	}
	return opts, nil
}

// fail reports a conversion error. Input that cannot be read is a 422.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, converter.ErrUnknownFormat):
		status = http.StatusBadRequest
	case errors.Is(err, converter.ErrTruncated),
		errors.Is(err, converter.ErrBadMagic),
		errors.Is(err, converter.ErrNoTracks):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
