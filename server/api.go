package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/hb9tf/whitespace/export"
	"github.com/hb9tf/whitespace/sdr"
)

const (
	sendersEndpoint    = "/spectre/v1/senders"
	sendersCSVEndpoint = "/spectre/v1/senders.csv"
	reportsEndpoint    = "/spectre/v1/senders/:id/reports"
	configureEndpoint  = "/spectre/v1/configure"
	metricsEndpoint    = "/metrics"

	configureTimeout = 5 * time.Second
)

type configSender interface {
	Send(ctx context.Context, boards []string, opts sdr.ScanOptions) error
}

type reportLister interface {
	Reports(id string, epoch uint64) ([]export.Report, error)
}

// API serves the aggregates to viewers and accepts configuration pushes.
type API struct {
	store   export.Store
	reports reportLister // nil unless the store keeps an archive
	sender  configSender
	// boards receive a configuration when a request names none.
	boards  []string
	metrics http.Handler
}

type configureRequest struct {
	Boards  []string         `json:"boards"`
	Options *sdr.ScanOptions `json:"options"`
}

func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logRequests)

	r.GET(sendersEndpoint, a.sendersHandler)
	r.GET(sendersCSVEndpoint, a.sendersCSVHandler)
	r.GET(reportsEndpoint, a.reportsHandler)
	r.POST(configureEndpoint, a.configureHandler)
	if a.metrics != nil {
		r.GET(metricsEndpoint, gin.WrapH(a.metrics))
	}
	return r
}

func logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	glog.V(2).Infof("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

func (a *API) sendersHandler(c *gin.Context) {
	records, err := a.store.Snapshot()
	if err != nil {
		glog.Warningf("error reading snapshot: %s", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a *API) sendersCSVHandler(c *gin.Context) {
	records, err := a.store.Snapshot()
	if err != nil {
		glog.Warningf("error reading snapshot: %s", err)
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	if err := export.WriteCSV(c.Writer, records); err != nil {
		glog.Warningf("error writing CSV snapshot: %s", err)
	}
}

func (a *API) reportsHandler(c *gin.Context) {
	if a.reports == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "the configured store keeps no report archive"})
		return
	}
	epoch, err := strconv.ParseUint(c.Query("epoch"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "epoch query parameter must be a non-negative integer"})
		return
	}
	reports, err := a.reports.Reports(c.Param("id"), epoch)
	if err != nil {
		glog.Warningf("error listing reports: %s", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (a *API) configureHandler(c *gin.Context) {
	var req configureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Options == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "options are required"})
		return
	}
	boards := req.Boards
	if len(boards) == 0 {
		boards = a.boards
	}
	if len(boards) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no boards to configure"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), configureTimeout)
	defer cancel()
	err := a.sender.Send(ctx, boards, *req.Options)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"boards": boards})
	case errors.Is(err, sdr.ErrInvalidOptions):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
