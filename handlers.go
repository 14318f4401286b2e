package main

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/middlewares"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/mmdatafocus/production_backend/utils"
	"github.com/mmdatafocus/production_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// services holds everything the handlers need once storage is connected.
type services struct {
	catalog  repository.Catalog
	minter   *workflow.UnitMinter
	recorder *workflow.ConsumptionRecorder
	graph    *workflow.LineageGraph
	logger   *logrus.Logger

	// db backs the outbox ops endpoints; nil without MySQL.
	db *gorm.DB
}

// respondError writes err using the workflow error taxonomy. Anything the
// taxonomy does not know is logged and reported as 500.
func respondError(c *gin.Context, logger *logrus.Logger, funcName string, err error, extra gin.H) {
	status := workflow.HTTPStatus(err)
	body := gin.H{"error": err.Error(), "retryable": workflow.IsRetryable(err)}
	var reqErr *workflow.RequestError
	if errors.As(err, &reqErr) {
		body["fields"] = reqErr.Fields
	}
	for k, v := range extra {
		body[k] = v
	}
	if status >= http.StatusInternalServerError {
		config.LogError(logger, "handlers.go", funcName, c.Request.URL.Path, nil, err)
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

func mintUnitHandler(svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.MintRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		unit, err := svc.minter.Mint(c.Request.Context(), req)
		if err != nil {
			respondError(c, svc.logger, "mintUnitHandler", err, nil)
			return
		}
		c.JSON(http.StatusCreated, unit)
	}
}

func getUnitHandler(svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		unit, err := svc.minter.Lookup(c.Request.Context(), c.Param("serial"))
		if err != nil {
			respondError(c, svc.logger, "getUnitHandler", err, nil)
			return
		}
		c.JSON(http.StatusOK, unit)
	}
}

func decodeBarcodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Payload string `json:"payload" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		id, err := workflow.DecodeBarcode(body.Payload)
		if err != nil {
			c.JSON(workflow.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"identity": id,
			"serial":   id.Serial(),
		})
	}
}

func recordConsumptionHandler(svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.ConsumptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		shiftId := c.Param("shiftId")
		if req.Shift.ShiftId == "" {
			req.Shift.ShiftId = shiftId
		} else if req.Shift.ShiftId != shiftId {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shift id in body does not match path"})
			return
		}

		result, err := svc.recorder.RecordConsumption(c.Request.Context(), req)
		if err != nil {
			respondError(c, svc.logger, "recordConsumptionHandler", err, gin.H{"result": result})
			return
		}
		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}

type lineageNodeResponse struct {
	workflow.LineageNode
	ItemName string `json:"item_name"`
}

func parseLineageQuery(c *gin.Context) (models.LineageDirection, int, error) {
	direction, err := models.ParseLineageDirection(c.DefaultQuery("direction", string(models.LineageAncestors)))
	if err != nil {
		return "", 0, err
	}
	maxDepth := 0
	if v := strings.TrimSpace(c.Query("max_depth")); v != "" {
		maxDepth, err = strconv.Atoi(v)
		if err != nil || maxDepth < 0 {
			return "", 0, errors.New("max_depth must be a non-negative integer")
		}
	}
	return direction, maxDepth, nil
}

func lineageHandler(svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		direction, maxDepth, err := parseLineageQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tr, err := svc.graph.Traverse(ctx, c.Param("serial"), direction, maxDepth)
		if err != nil {
			respondError(c, svc.logger, "lineageHandler", err, nil)
			return
		}
		defer tr.Close()
		nodes, err := tr.Collect(ctx)
		if err != nil {
			respondError(c, svc.logger, "lineageHandler", err, nil)
			return
		}

		ids := make([]int, 0, len(nodes)+1)
		ids = append(ids, tr.Root().ItemId)
		for _, n := range nodes {
			ids = append(ids, n.Unit.ItemId)
		}
		ids = utils.UniqueSlice(ids)
		names := make(map[int]string, len(ids))
		items, errs := middlewares.GetItems(ctx, ids)
		for i, item := range items {
			if item != nil && (len(errs) <= i || errs[i] == nil) {
				names[item.ID] = item.Name
			}
		}

		out := make([]lineageNodeResponse, len(nodes))
		for i, n := range nodes {
			out[i] = lineageNodeResponse{LineageNode: n, ItemName: names[n.Unit.ItemId]}
		}
		c.JSON(http.StatusOK, gin.H{
			"root":      lineageNodeResponse{LineageNode: workflow.LineageNode{Unit: tr.Root()}, ItemName: names[tr.Root().ItemId]},
			"direction": tr.Direction(),
			"max_depth": tr.MaxDepth(),
			"truncated": tr.Truncated(),
			"nodes":     out,
		})
	}
}

// lineageExportHandler returns the traversal as an XLSX workbook, or uploads it
// to the report bucket and returns a signed link when upload=true.
func lineageExportHandler(svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		serial := c.Param("serial")
		direction, maxDepth, err := parseLineageQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tr, err := svc.graph.Traverse(ctx, serial, direction, maxDepth)
		if err != nil {
			respondError(c, svc.logger, "lineageExportHandler", err, nil)
			return
		}
		defer tr.Close()
		var buf bytes.Buffer
		if _, err := workflow.ExportLineage(ctx, tr, &buf); err != nil {
			respondError(c, svc.logger, "lineageExportHandler", err, nil)
			return
		}

		if c.Query("upload") != "true" {
			filename := serial + "-" + string(direction) + ".xlsx"
			c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
			c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
			return
		}

		report, err := utils.UploadReportToGCS(ctx, utils.LineageReportObject(serial, string(direction), time.Now()), &buf, 15*time.Minute)
		if err != nil {
			config.LogError(svc.logger, "handlers.go", "lineageExportHandler", "UploadReportToGCS", serial, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "report upload failed"})
			return
		}
		c.JSON(http.StatusCreated, report)
	}
}

func tierSourcesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tier, err := models.ParseTier(c.Param("tier"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tier": tier, "allowed_sources": workflow.AllowedSources(tier)})
	}
}

// requireInternalKey guards ops endpoints. They are only mounted when
// INTERNAL_API_KEY is set.
func requireInternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Internal-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// operatorTokenHandler issues badge tokens for floor stations.
func operatorTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			OperatorId   int    `json:"operator_id" binding:"required,gt=0"`
			OperatorCode string `json:"operator_code" binding:"required,max=6,alphanum"`
			MachineCode  string `json:"machine_code" binding:"omitempty,max=16,alphanum"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		token, err := utils.JwtGenerate(body.OperatorId, strings.ToUpper(body.OperatorCode), body.MachineCode)
		if err != nil {
			config.LogError(config.GetLogger(), "handlers.go", "operatorTokenHandler", "JwtGenerate", body.OperatorId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

func outboxStatusHandler(svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc.db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		statuses, err := models.GetProductionEventStatuses(c.Request.Context(), svc.db, c.Param("referenceKey"))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no events for reference"})
			return
		} else if err != nil {
			config.LogError(svc.logger, "handlers.go", "outboxStatusHandler", c.Param("referenceKey"), nil, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": statuses})
	}
}

// outboxReplayHandler requeues a FAILED or DEAD production event.
func outboxReplayHandler(svc *services) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc.db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		recordId, err := strconv.Atoi(c.Param("recordId"))
		if err != nil || recordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record id must be a positive integer"})
			return
		}
		status, err := models.ReplayProductionEvent(c.Request.Context(), svc.db, recordId)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no FAILED or DEAD event with that id"})
			return
		} else if err != nil {
			config.LogError(svc.logger, "handlers.go", "outboxReplayHandler", "ReplayProductionEvent", recordId, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		svc.logger.WithFields(logrus.Fields{
			"field":         "outboxReplay",
			"record_id":     recordId,
			"reference_key": status.ReferenceKey,
		}).Info("production event requeued")
		c.JSON(http.StatusOK, status)
	}
}

func internalAPIKey() string {
	return strings.TrimSpace(os.Getenv("INTERNAL_API_KEY"))
}
