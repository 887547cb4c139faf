package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sustainafood/sustainafood_backend/middlewares"
	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/utils"
	"github.com/sustainafood/sustainafood_backend/workflow"
)

type api struct {
	transactions *workflow.TransactionManager
	dispatch     *workflow.DispatchManager
}

func registerRoutes(r gin.IRouter, a *api) {
	r.POST("/donations", a.createDonation)
	r.GET("/donations/:id", a.getDonation)
	r.POST("/donations/:id/reject", a.rejectDonation)
	r.POST("/donations/:id/recompute", a.recomputeDonation)
	r.GET("/donations/:id/transactions", a.listTransactionsBy("donation"))

	r.POST("/requests", a.createRequestNeed)
	r.GET("/requests/:id", a.getRequestNeed)
	r.POST("/requests/:id/recompute", a.recomputeRequest)
	r.GET("/requests/:id/transactions", a.listTransactionsBy("request"))

	r.GET("/recipients/:id/transactions", a.listTransactionsBy("recipient"))

	r.POST("/allocations/preview", a.previewAllocation)
	r.POST("/transactions", a.createTransaction)
	r.GET("/transactions", a.listTransactionsBy(""))
	r.GET("/transactions/:id", a.getTransaction)
	r.POST("/transactions/:id/accept", a.acceptTransaction)
	r.POST("/transactions/:id/reject", a.rejectTransaction)

	r.POST("/transporters", a.createTransporter)
	r.GET("/transporters/nearest", a.nearestTransporter)
	r.PUT("/transporters/:id/location", a.updateTransporterLocation)
	r.PUT("/transporters/:id/availability", a.setTransporterAvailability)
	r.GET("/transporters/:id/deliveries", a.listTransporterDeliveries)

	r.POST("/deliveries", a.createDelivery)
	r.GET("/deliveries/pending", a.listPendingDeliveries)
	r.GET("/deliveries/:id", a.getDelivery)
	r.POST("/deliveries/:id/assign", a.assignDelivery)
	r.POST("/deliveries/:id/assign-nearest", a.assignNearest)

	actor := r.Group("/deliveries/:id", middlewares.RequireActor())
	actor.POST("/refuse", a.refuseDelivery)
	actor.POST("/accept", a.acceptDelivery)
	actor.PUT("/status", a.updateDeliveryStatus)

	r.POST("/internal/ops/notifications/requeue", a.requeueNotifications)
}

// statusForKind maps error kinds to HTTP status codes.
func statusForKind(kind utils.ErrorKind) int {
	switch kind {
	case utils.ErrorKindNotFound:
		return http.StatusNotFound
	case utils.ErrorKindValidation:
		return http.StatusBadRequest
	case utils.ErrorKindForbidden:
		return http.StatusForbidden
	case utils.ErrorKindInvalidState, utils.ErrorKindAlreadyAssigned:
		return http.StatusConflict
	case utils.ErrorKindCategoryMismatch, utils.ErrorKindInsufficientStock, utils.ErrorKindNoAllocatableStock:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	kind := utils.KindOf(err)
	status := statusForKind(kind)
	detail := err.Error()
	var e *utils.Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		detail = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": kind, "detail": detail})
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		abortWithError(c, utils.ValidationError("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, utils.ValidationError("invalid request body: %v", err))
		return false
	}
	return true
}

func actorId(c *gin.Context) int {
	id, _ := utils.GetActorIdFromContext(c.Request.Context())
	return id
}

/* donations and requests */

func (a *api) createDonation(c *gin.Context) {
	var input models.NewDonation
	if !bindJSON(c, &input) {
		return
	}
	if id := actorId(c); id > 0 {
		input.DonorId = id
	}
	donation, err := models.CreateDonation(c.Request.Context(), &input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, donation)
}

func (a *api) getDonation(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	donation, err := models.GetDonation(a.transactions.DB.WithContext(c.Request.Context()), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, donation)
}

type reasonInput struct {
	Reason string `json:"reason"`
}

func (a *api) rejectDonation(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input reasonInput
	if c.Request.ContentLength > 0 && !bindJSON(c, &input) {
		return
	}
	donation, err := a.transactions.RejectDonation(c.Request.Context(), id, input.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, donation)
}

func (a *api) recomputeDonation(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	status, err := a.transactions.RecomputeDonationStatus(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"donation_id": id, "status": status})
}

func (a *api) createRequestNeed(c *gin.Context) {
	var input models.NewRequestNeed
	if !bindJSON(c, &input) {
		return
	}
	if id := actorId(c); id > 0 {
		input.RecipientId = id
	}
	request, err := models.CreateRequestNeed(c.Request.Context(), &input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, request)
}

func (a *api) getRequestNeed(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	request, err := models.GetRequestNeed(a.transactions.DB.WithContext(c.Request.Context()), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

func (a *api) recomputeRequest(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	status, err := a.transactions.RecomputeRequestStatus(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_need_id": id, "status": status})
}

/* transactions */

type allocationInput struct {
	DonationId    int                    `json:"donation_id" binding:"required"`
	RequestNeedId int                    `json:"request_need_id" binding:"required"`
	LineItems     *models.LineItemsInput `json:"line_items"`
	Pending       bool                   `json:"pending"`
}

func (a *api) previewAllocation(c *gin.Context) {
	var input allocationInput
	if !bindJSON(c, &input) {
		return
	}
	items, fully, err := a.transactions.Allocate(c.Request.Context(), input.DonationId, input.RequestNeedId)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"category":           items.Category(),
		"products":           items.Products(),
		"meals":              items.Meals(),
		"is_fully_fulfilled": fully,
	})
}

func (a *api) createTransaction(c *gin.Context) {
	var input allocationInput
	if !bindJSON(c, &input) {
		return
	}
	ctx := c.Request.Context()
	var (
		t   *models.DonationTransaction
		err error
	)
	if input.Pending {
		t, err = a.transactions.CreatePending(ctx, input.DonationId, input.RequestNeedId, input.LineItems)
	} else {
		t, err = a.transactions.CreateAndCommit(ctx, input.DonationId, input.RequestNeedId, input.LineItems)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (a *api) getTransaction(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	t, err := a.transactions.GetTransaction(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// listTransactionsBy filters on the path id as a donation, request or recipient id, plus an optional status query.
func (a *api) listTransactionsBy(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.TransactionFilter
		if scope != "" {
			id, ok := pathId(c)
			if !ok {
				return
			}
			switch scope {
			case "donation":
				filter.DonationId = id
			case "request":
				filter.RequestNeedId = id
			case "recipient":
				filter.RecipientId = id
			}
		}
		if raw := c.Query("status"); raw != "" {
			status, err := models.ParseTransactionStatus(raw)
			if err != nil {
				abortWithError(c, err)
				return
			}
			filter.Status = status
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				abortWithError(c, utils.ValidationError("invalid limit %q", raw))
				return
			}
			filter.Limit = limit
		}
		var after *string
		if raw := c.Query("after"); raw != "" {
			after = &raw
		}
		results, err := a.transactions.ListTransactions(c.Request.Context(), filter, after)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func (a *api) acceptTransaction(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	t, err := a.transactions.Accept(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *api) rejectTransaction(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input reasonInput
	if c.Request.ContentLength > 0 && !bindJSON(c, &input) {
		return
	}
	t, err := a.transactions.Reject(c.Request.Context(), id, input.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

/* transporters */

func (a *api) createTransporter(c *gin.Context) {
	var input models.NewTransporter
	if !bindJSON(c, &input) {
		return
	}
	t, err := models.CreateTransporter(c.Request.Context(), &input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (a *api) updateTransporterLocation(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.Coordinates
	if !bindJSON(c, &input) {
		return
	}
	t, err := models.UpdateTransporterLocation(c.Request.Context(), id, input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *api) setTransporterAvailability(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input struct {
		IsAvailable *bool `json:"is_available" binding:"required"`
	}
	if !bindJSON(c, &input) {
		return
	}
	t, err := models.SetTransporterAvailability(c.Request.Context(), id, *input.IsAvailable)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *api) nearestTransporter(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
	if latErr != nil || lngErr != nil {
		abortWithError(c, utils.ValidationError("lat and lng are required numbers"))
		return
	}
	var exclude []int
	for _, raw := range strings.Split(c.Query("exclude"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		id, err := strconv.Atoi(raw)
		if err != nil {
			abortWithError(c, utils.ValidationError("invalid exclude id %q", raw))
			return
		}
		exclude = append(exclude, id)
	}
	t, found, err := a.dispatch.FindNearest(c.Request.Context(), models.Coordinates{Latitude: lat, Longitude: lng}, exclude...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "transporter": t})
}

func (a *api) listTransporterDeliveries(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var status models.DeliveryStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseDeliveryStatus(raw)
		if err != nil {
			abortWithError(c, err)
			return
		}
		status = parsed
	}
	results, err := a.dispatch.ListTransporterDeliveries(c.Request.Context(), id, status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

/* deliveries */

func (a *api) createDelivery(c *gin.Context) {
	var input workflow.NewDelivery
	if !bindJSON(c, &input) {
		return
	}
	d, err := a.dispatch.CreateDelivery(c.Request.Context(), &input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (a *api) getDelivery(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	d, err := a.dispatch.GetDelivery(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (a *api) listPendingDeliveries(c *gin.Context) {
	results, err := a.dispatch.ListPendingDeliveries(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (a *api) assignDelivery(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input struct {
		TransporterId int  `json:"transporter_id" binding:"required"`
		Force         bool `json:"force"`
	}
	if !bindJSON(c, &input) {
		return
	}
	d, err := a.dispatch.Assign(c.Request.Context(), id, input.TransporterId, input.Force)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (a *api) assignNearest(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	d, found, err := a.dispatch.AssignNearest(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": found, "delivery": d})
}

func (a *api) refuseDelivery(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	result, err := a.dispatch.Refuse(c.Request.Context(), id, actorId(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *api) acceptDelivery(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	d, err := a.dispatch.AcceptDelivery(c.Request.Context(), id, actorId(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (a *api) updateDeliveryStatus(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input struct {
		Status string `json:"status" binding:"required"`
	}
	if !bindJSON(c, &input) {
		return
	}
	status, err := models.ParseDeliveryStatus(input.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	d, err := a.dispatch.UpdateDeliveryStatus(c.Request.Context(), id, actorId(c), status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (a *api) requeueNotifications(c *gin.Context) {
	if role, _ := utils.GetActorRoleFromContext(c.Request.Context()); role != "admin" {
		abortWithError(c, utils.NewError(utils.ErrorKindForbidden, "admin only"))
		return
	}
	n, err := models.RequeueDeadNotifications(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}
