package server

import (
	"net/http"
	"net/netip"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ConnectReq POST /api/connect 请求体
type ConnectReq struct {
	Target          string `json:"target"`
	CredentialSetID string `json:"credential_set_id"`
}

// Connect 在新终端窗口里用指定凭据组打开到目标主机的交互式 shell（仅 macOS）
func (s *Server) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectReq
	if !decode(w, r, &req) {
		return
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(req.Target))
	if err != nil || req.CredentialSetID == "" {
		http.Error(w, `invalid body, need {"target":"<ip>","credential_set_id":"..."}`, http.StatusBadRequest)
		return
	}
	if _, err := s.Store.CredentialSets().Get(req.CredentialSetID); err != nil {
		fail(w, err)
		return
	}
	if runtime.GOOS != "darwin" {
		http.Error(w, "multi-window connect only supported on macOS", http.StatusNotImplemented)
		return
	}
	exe, err := os.Executable()
	if err != nil {
		http.Error(w, "cannot get executable path", http.StatusInternalServerError)
		return
	}
	cmd := connectCommand(exe, addr.String(), req.CredentialSetID)
	script := `tell application "Terminal" to do script "` + escapeAppleScript(cmd) + `"`
	if err := exec.Command("osascript", "-e", script).Run(); err != nil {
		http.Error(w, "failed to open terminal: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

// connectCommand 终端里执行的命令行，参数都用单引号包裹
func connectCommand(exe, target, credentialID string) string {
	return quote(exe) + " -connect=" + quote(target) + " -credential=" + quote(credentialID)
}

// quote shell 单引号：' -> '\''
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
