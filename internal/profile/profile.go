// Package profile 通过已建立的 SSH 连接采集主机画像
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"whisperer/internal/cmdpolicy"
	"whisperer/internal/ssh"
)

// ItemTimeout 单个采集命令的超时
const ItemTimeout = 15 * time.Second

// MaxPackages 软件包列表保留的条数
const MaxPackages = 100

// Runner 执行远程命令，*ssh.Conn 满足该接口
type Runner interface {
	Run(ctx context.Context, command string) ssh.ExecResult
}

type item struct {
	key      string
	commands []string // 依次尝试，直到解析成功
	parse    func(string) (any, error)
}

var basic = []item{
	{"hostname", []string{"hostname -f", "hostname"}, parseLine},
	{"os", []string{"cat /etc/os-release"}, parseOSRelease},
	{"kernel", []string{"uname -r"}, parseLine},
	{"cpu", []string{"lscpu"}, parseColonPairs},
	{"memory", []string{"free -m"}, parseFree},
	{"disk", []string{"df -h"}, parseLines},
	{"network", []string{"ip -j addr", "ip addr"}, parseNetwork},
	{"uptime", []string{"uptime -p"}, parseLine},
}

var detailed = []item{
	{"dns", []string{"cat /etc/resolv.conf"}, parseResolvConf},
	{"load", []string{"cat /proc/loadavg"}, parseLoadavg},
	{"route", []string{"ip route"}, parseLines},
	{"listening", []string{"ss -tuln", "netstat -tuln"}, parseLines},
	{"services", []string{"systemctl list-units --type=service --state=running --no-pager --no-legend"}, parseServices},
	{"packages", []string{"dpkg-query -W -f='${Package} ${Version}\\n'", "rpm -qa"}, parsePackages},
	{"users", []string{"getent passwd", "cat /etc/passwd"}, parseUsers},
	{"adapters", []string{"ip -br link", "ls /sys/class/net"}, parseLines},
	{"firewall", []string{"sudo -n iptables -S", "sudo -n nft list ruleset", "iptables -S"}, parseLines},
	{"virtualization", []string{"systemd-detect-virt"}, parseLine},
}

// Collect 依次执行采集命令；单项失败记为 {"error": msg}，不影响其他项。
// 命令输出与错误文本在入库前经 cmdpolicy 脱敏
func Collect(ctx context.Context, r Runner, withDetails bool) map[string]any {
	items := basic
	if withDetails {
		items = append(append([]item(nil), basic...), detailed...)
	}
	info := make(map[string]any, len(items))
	for _, p := range items {
		if ctx.Err() != nil {
			info[p.key] = failure(ctx.Err())
			continue
		}
		v, err := run(ctx, r, p)
		if err != nil {
			log.WithFields(log.Fields{"item": p.key, "error": cmdpolicy.Redact(err.Error())}).Debug("Profile item failed")
			info[p.key] = failure(err)
			continue
		}
		info[p.key] = v
	}
	return info
}

func failure(err error) map[string]any {
	return map[string]any{"error": cmdpolicy.Redact(err.Error())}
}

func run(ctx context.Context, r Runner, p item) (any, error) {
	var lastErr error
	for _, cmd := range p.commands {
		pctx, cancel := context.WithTimeout(ctx, ItemTimeout)
		res := r.Run(pctx, cmd)
		cancel()
		if res.Err != nil {
			lastErr = res.Err
			continue
		}
		if res.ExitStatus != 0 {
			lastErr = fmt.Errorf("%s: exit status %d: %s", cmd, res.ExitStatus, cmdpolicy.Redact(strings.TrimSpace(res.Stderr)))
			continue
		}
		v, err := p.parse(cmdpolicy.MaskOutput(res.Stdout))
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", cmd, err)
			continue
		}
		return v, nil
	}
	return nil, lastErr
}

var errEmpty = errors.New("empty output")

func parseLine(out string) (any, error) {
	s := strings.TrimSpace(out)
	if s == "" {
		return nil, errEmpty
	}
	return s, nil
}

func parseLines(out string) (any, error) {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		if l = strings.TrimRight(l, "\r "); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, errEmpty
	}
	return lines, nil
}

func parseOSRelease(out string) (any, error) {
	m := map[string]string{}
	for _, l := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(l), "=")
		if !ok || k == "" || strings.HasPrefix(k, "#") {
			continue
		}
		m[k] = strings.Trim(v, `"'`)
	}
	if len(m) == 0 {
		return nil, errEmpty
	}
	return m, nil
}

func parseColonPairs(out string) (any, error) {
	m := map[string]string{}
	for _, l := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(l, ":")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(m) == 0 {
		return nil, errEmpty
	}
	return m, nil
}

// parseFree 取 free -m 的 Mem 行
func parseFree(out string) (any, error) {
	for _, l := range strings.Split(out, "\n") {
		f := strings.Fields(l)
		if len(f) >= 4 && strings.HasPrefix(f[0], "Mem") {
			return map[string]string{
				"total": f[1] + " MB",
				"used":  f[2] + " MB",
				"free":  f[3] + " MB",
			}, nil
		}
	}
	return nil, errors.New("no Mem line in free output")
}

// parseNetwork ip -j 输出 JSON 数组，否则按行保留
func parseNetwork(out string) (any, error) {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "[") {
		var v []any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return parseLines(out)
}

func parseResolvConf(out string) (any, error) {
	var servers, search []string
	for _, l := range strings.Split(out, "\n") {
		f := strings.Fields(l)
		if len(f) < 2 {
			continue
		}
		switch f[0] {
		case "nameserver":
			servers = append(servers, f[1])
		case "search", "domain":
			search = append(search, f[1:]...)
		}
	}
	if len(servers) == 0 && len(search) == 0 {
		return nil, errEmpty
	}
	return map[string][]string{"nameservers": servers, "search": search}, nil
}

func parseLoadavg(out string) (any, error) {
	f := strings.Fields(out)
	if len(f) < 3 {
		return nil, fmt.Errorf("unexpected loadavg %q", strings.TrimSpace(out))
	}
	load := map[string]float64{}
	for i, k := range []string{"1m", "5m", "15m"} {
		v, err := strconv.ParseFloat(f[i], 64)
		if err != nil {
			return nil, err
		}
		load[k] = v
	}
	return load, nil
}

func parseServices(out string) (any, error) {
	var names []string
	for _, l := range strings.Split(out, "\n") {
		f := strings.Fields(strings.TrimLeft(l, "● "))
		if len(f) > 0 && strings.HasSuffix(f[0], ".service") {
			names = append(names, strings.TrimSuffix(f[0], ".service"))
		}
	}
	if len(names) == 0 {
		return nil, errEmpty
	}
	return names, nil
}

func parsePackages(out string) (any, error) {
	v, err := parseLines(out)
	if err != nil {
		return nil, err
	}
	pkgs := v.([]string)
	total := len(pkgs)
	if total > MaxPackages {
		pkgs = pkgs[:MaxPackages]
	}
	return map[string]any{"total": total, "list": pkgs}, nil
}

// parseUsers 普通用户：uid >= 1000，排除 nobody
func parseUsers(out string) (any, error) {
	var users []string
	for _, l := range strings.Split(out, "\n") {
		f := strings.Split(strings.TrimSpace(l), ":")
		if len(f) < 7 {
			continue
		}
		uid, err := strconv.Atoi(f[2])
		if err != nil || uid < 1000 || uid == 65534 {
			continue
		}
		users = append(users, f[0])
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}
