package server

import (
	"io"
	"net/http"
	"strings"

	"whisperer/internal/netrange"
)

// ExpandReq 预览目标展开结果
type ExpandReq struct {
	Text string `json:"text"`
}

// ExpandTargets 返回展开后的地址列表
func (s *Server) ExpandTargets(w http.ResponseWriter, r *http.Request) {
	var req ExpandReq
	if !decode(w, r, &req) {
		return
	}
	targets := netrange.Expand(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets, "count": len(targets)})
}

// ImportTargets 接收 CSV：multipart 表单的 file 字段，或直接作为请求体
func (s *Server) ImportTargets(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer f.Close()
		src = f
	}
	targets, err := netrange.FromCSV(src)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": targets,
		"count":   len(targets),
		"subnets": strings.Join(targets, "\n"),
	})
}
