package proxy

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// HandleListModels serves GET /v1/models. With a model map configured the
// aliases are advertised; otherwise the single pinned backend model is.
func (ps *ProxyServer) HandleListModels(c *gin.Context) {
	now := time.Now().Unix()

	names := make([]string, 0, len(ps.modelConfig.ModelMap))
	for alias := range ps.modelConfig.ModelMap {
		names = append(names, alias)
	}
	sort.Strings(names)

	entries := make([]modelEntry, 0, len(names)+1)
	for _, alias := range names {
		entries = append(entries, newModelEntry(alias, ps.modelConfig.ModelMap[alias], now))
	}
	if len(entries) == 0 {
		pinned := ps.modelConfig.DefaultBackendModel
		entries = append(entries, newModelEntry(pinned, pinned, now))
	}

	c.JSON(http.StatusOK, modelList{Object: "list", Data: entries})
}

func newModelEntry(id, backend string, created int64) modelEntry {
	return modelEntry{
		ID:      id,
		Object:  "model",
		Created: created,
		OwnedBy: "anthropic",
		Root:    backend,
		Capabilities: modelCapabilities{
			Vision:          true,
			FunctionCalling: true,
		},
	}
}
