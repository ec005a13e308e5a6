package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/keygridhq/mint/internal/generator"
)

// IDMinter is the slice of the generator the HTTP layer needs.
type IDMinter interface {
	Next(ctx context.Context) (generator.ID, error)
	NextN(ctx context.Context, n int) ([]generator.ID, error)
}

type MintHandler struct {
	gen      IDMinter
	batchMax int
}

func NewMintHandler(gen IDMinter, batchMax int) *MintHandler {
	if batchMax <= 0 {
		batchMax = 1000
	}
	return &MintHandler{gen: gen, batchMax: batchMax}
}

// Mint handles GET /v1/id.
func (h *MintHandler) Mint(c *gin.Context) {
	id, err := h.gen.Next(c.Request.Context())
	if err != nil {
		respondMintError(c, err)
		return
	}

	// id_str spares JSON consumers whose numbers lose precision past 2^53.
	c.JSON(http.StatusOK, gin.H{
		"id":     int64(id),
		"id_str": strconv.FormatInt(int64(id), 10),
	})
}

// MintBatch handles GET /v1/ids?count=n.
func (h *MintHandler) MintBatch(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "1"))
	if err != nil || count < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a positive integer"})
		return
	}
	if count > h.batchMax {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count exceeds batch maximum of " + strconv.Itoa(h.batchMax)})
		return
	}

	ids, err := h.gen.NextN(c.Request.Context(), count)
	if err != nil {
		respondMintError(c, err)
		return
	}

	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	c.JSON(http.StatusOK, gin.H{
		"ids":   out,
		"count": len(out),
	})
}

func respondMintError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, generator.ErrNodeIDExpired):
		// The slot may already belong to someone else; the client should
		// retry once this worker has re-acquired a lease.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node id lease expired"})
	case errors.Is(err, generator.ErrClockRegression):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clock regression, id issuance halted"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint id"})
	}
}
