package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Service identity surfaced in /health and the MCP initialize handshake.
const (
	ServiceName    = "DB Analysis MCP Server"
	ServiceVersion = "2.3.0"
)

type endpointsInfo struct {
	SSE     string `json:"sse"`
	Health  string `json:"health"`
	Refresh string `json:"refresh"`
}

type rootResponse struct {
	Message            string        `json:"message"`
	Endpoints          endpointsInfo `json:"endpoints"`
	AvailableDatabases []string      `json:"available_databases"`
	Total              int           `json:"total"`
	Usage              string        `json:"usage"`
	MappingSource      string        `json:"mapping_source"`
}

type healthResponse struct {
	Status   string   `json:"status"`
	Service  string   `json:"service"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

type refreshResponse struct {
	Status             string   `json:"status"`
	Message            string   `json:"message"`
	AvailableDatabases []string `json:"available_databases,omitempty"`
}

// handleRoot serves the destination inventory. The ServeMux "/" pattern
// is a catch-all, so anything but the root path is a 404 here.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	names := s.mappings.Names()
	writeJSON(w, http.StatusOK, rootResponse{
		Message: "MCP Server running",
		Endpoints: endpointsInfo{
			SSE:     "/sse - MCP SSE 连接端点",
			Health:  "/health - 健康检查",
			Refresh: "/refresh - 刷新数据库映射缓存",
		},
		AvailableDatabases: names,
		Total:              len(names),
		Usage:              "http://localhost:8000/sse?db=<database_name>",
		MappingSource:      "db_mapping table",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: ServiceName,
		Version: ServiceVersion,
		Features: []string{
			"db_table_mapping",
			"async_database_pool",
			"real_time_schema_query",
			"sql_execution",
			"knowledge_graph_search",
		},
	})
}

// handleRefresh rebuilds the mapping snapshot from the db_mapping table.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.mappings.Refresh(r.Context())
	if err != nil {
		if s.logger != nil {
			s.logger.Error(r.Context(), "mapping refresh failed", "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, refreshResponse{
			Status:  "error",
			Message: fmt.Sprintf("映射缓存刷新失败: %v", err),
		})
		return
	}

	if s.logger != nil {
		s.logger.Info(r.Context(), "mapping cache refreshed", "destinations", n)
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Status:             "ok",
		Message:            fmt.Sprintf("映射缓存已刷新，共 %d 条记录", n),
		AvailableDatabases: s.mappings.Names(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
