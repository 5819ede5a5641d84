package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"whisperer/internal/audit"
	"whisperer/internal/auth"
	"whisperer/internal/config"
	"whisperer/internal/metrics"
	"whisperer/internal/models"
	"whisperer/internal/netrange"
	"whisperer/internal/scan"
	"whisperer/internal/scheduler"
	"whisperer/internal/secrets"
	"whisperer/internal/server"
	"whisperer/internal/ssh"
	"whisperer/internal/store"
)

// multiFlag 可重复的字符串参数
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, "; ") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

type options struct {
	target      string
	credentials string
	user        string
	keyPath     string
	askPass     bool
	askSudo     bool
	commands    multiFlag
	templateID  string
	concurrency int
	info        bool
	detailed    bool
}

func main() {
	configPath := flag.String("config", "", "配置文件路径，默认 os.UserConfigDir()/whisperer/config.yaml")
	httpAddr := flag.String("http", "", "Web API 监听地址，覆盖配置中的 listen，例如 :21008")
	replace := flag.Bool("replace", false, "启动前结束占用监听端口的旧进程")
	connect := flag.String("connect", "", "打开到该 IP 的交互式 shell（配合 -credential 或 -user）")
	scanText := flag.String("scan", "", "一次性扫描：子网/范围/IP，逗号分隔；结果以 JSON 写到标准输出")
	targetsCSV := flag.String("targets-csv", "", "一次性扫描：从 CSV 文件读取目标")
	var o options
	flag.StringVar(&o.credentials, "credential", "", "凭据组 ID，多个用逗号分隔")
	flag.StringVar(&o.user, "user", "", "后备凭据用户名")
	flag.StringVar(&o.keyPath, "key", "", "后备凭据私钥文件")
	flag.BoolVar(&o.askPass, "ask-pass", false, "交互输入后备凭据密码")
	flag.BoolVar(&o.askSudo, "ask-sudo", false, "交互输入 sudo 密码")
	flag.Var(&o.commands, "c", "要执行的命令，可重复")
	flag.StringVar(&o.templateID, "template", "", "命令模板 ID")
	flag.IntVar(&o.concurrency, "concurrency", 0, "并发数，默认取配置")
	flag.BoolVar(&o.info, "info", false, "采集服务器基本信息")
	flag.BoolVar(&o.detailed, "detailed", false, "采集详细信息（含基本信息）")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Load config failed")
	}
	cfg.ApplyLogging()

	a, err := newApp(cfg)
	if err != nil {
		log.WithError(err).Fatal("Startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *connect != "":
		o.target = *connect
		err = a.runConnect(ctx, o)
	case *scanText != "" || *targetsCSV != "":
		o.target = *scanText
		err = a.runScan(ctx, o, *targetsCSV)
	default:
		addr := cfg.Listen
		if *httpAddr != "" {
			addr = *httpAddr
		}
		if *replace {
			if port := getListenPort(addr); port != "" {
				killProcessOnPort(port)
				time.Sleep(800 * time.Millisecond)
			}
		}
		err = a.runHTTP(ctx, addr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app 进程内共享的组件，全部显式构造
type app struct {
	cfg    config.Config
	store  *store.Store
	cipher *secrets.Cipher
	audit  *audit.Log
	exec   *scan.SSHExecutor
}

func newApp(cfg config.Config) (*app, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st}
	if cfg.EncryptionKey != "" {
		if a.cipher, err = secrets.NewCipher(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	} else {
		log.Warn("encryption_key not configured, stored credential sets are unavailable")
	}
	auditPath := cfg.AuditLog
	if auditPath == "" {
		auditPath = audit.DefaultPath(st.Dir())
	}
	if a.audit, err = audit.Open(auditPath); err != nil {
		return nil, err
	}
	hostKeys, err := ssh.HostKeyCallback(cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	d := cfg.Durations()
	a.exec = scan.NewSSHExecutor(&ssh.Dialer{Timeout: d.Connect, HostKeyCallback: hostKeys})
	a.exec.CommandTimeout = d.Command
	a.exec.SudoProbeTimeout = d.SudoProbe
	return a, nil
}

func (a *app) coordinator(extra ...scan.Option) *scan.Coordinator {
	opts := []scan.Option{
		scan.WithStore(a.store),
		scan.WithObserver(a.audit),
		scan.WithConnectRate(a.cfg.ConnectRate),
	}
	return scan.NewCoordinator(a.exec, append(opts, extra...)...)
}

// credentials 命令行指定的凭据组与后备凭据
func (a *app) credentials(o options) ([]models.Credential, *models.Credential, error) {
	var ids []string
	for _, id := range strings.Split(o.credentials, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	candidates, err := a.store.Credentials(a.cipher, ids)
	if err != nil {
		return nil, nil, err
	}
	if o.user == "" {
		if len(candidates) == 0 {
			return nil, nil, errors.New("需要 -credential 或 -user")
		}
		return candidates, nil, nil
	}
	fallback := &models.Credential{Username: o.user}
	switch {
	case o.keyPath != "":
		pem, err := os.ReadFile(o.keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("读取私钥失败: %w", err)
		}
		fallback.Auth = models.KeyAuth(string(pem))
	case o.askPass:
		pwd, err := ssh.ReadPassword(o.user + " 的密码: ")
		if err != nil {
			return nil, nil, err
		}
		fallback.Auth = models.PasswordAuth(pwd)
	default:
		return nil, nil, errors.New("-user 需要配合 -key 或 -ask-pass")
	}
	return candidates, fallback, nil
}

func (a *app) runScan(ctx context.Context, o options, csvPath string) error {
	targets := netrange.Expand(o.target)
	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			return err
		}
		fromCSV, err := netrange.FromCSV(f)
		f.Close()
		if err != nil {
			return err
		}
		targets = netrange.Expand(strings.Join(append(targets, fromCSV...), "\n"))
	}
	candidates, fallback, err := a.credentials(o)
	if err != nil {
		return err
	}
	commands, err := a.store.Commands(o.templateID, strings.Join(o.commands, "\n"))
	if err != nil {
		return err
	}
	p := scan.Params{
		Candidates:      candidates,
		Fallback:        fallback,
		Commands:        commands,
		Policy:          a.cfg.Policy(),
		CollectInfo:     o.info || o.detailed,
		CollectDetailed: o.detailed,
	}
	if o.askSudo {
		if p.SudoPassword, err = ssh.ReadPassword("sudo 密码: "); err != nil {
			return err
		}
	}
	concurrency := o.concurrency
	if concurrency == 0 {
		concurrency = a.cfg.Concurrency
	}

	coord := a.coordinator()
	defer coord.Close()
	sess, err := coord.Dispatch(ctx, scan.Request{Targets: targets, Concurrency: concurrency, Params: p})
	if err != nil {
		return err
	}
	if _, err := coord.Wait(ctx, sess.ID); err != nil {
		return fmt.Errorf("scan %s interrupted: %w", sess.ID, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"session": sess.Summary(), "results": sess.Results()})
}

func (a *app) runConnect(ctx context.Context, o options) error {
	candidates, fallback, err := a.credentials(o)
	if err != nil {
		return err
	}
	shown := fallback
	if len(candidates) > 0 {
		top := models.SortByPriority(candidates)[0]
		shown = &top
	}
	// 立即写入「开始连接」日志，避免用户直接关终端时没有记录
	a.audit.ConnectStart(o.target, shown)
	conn, used, err := a.exec.Dialer.Connect(ctx, o.target, candidates, fallback)
	if err != nil {
		a.audit.Connect(o.target, shown, err)
		return err
	}
	defer conn.Close()
	title := fmt.Sprintf("SSH: %s@%s", used.Username, o.target)
	showServerBanner(o.target, used)
	err = conn.Shell(title)
	a.audit.Connect(o.target, used, err)
	return err
}

// showServerBanner 在终端打印目标标识，并设置窗口/标签标题（OSC 0 和 OSC 2）
func showServerBanner(target string, cred *models.Credential) {
	title := fmt.Sprintf("SSH: %s@%s", cred.Username, target)
	fmt.Print("\033]0;", title, "\007")
	fmt.Print("\033]2;", title, "\007")
	name := cred.Label
	if name == "" {
		name = cred.Username
	}
	fmt.Printf("\n  ═══ %s ═══\n  主机: %s  |  用户: %s  |  凭据: %s\n\n", target, target, cred.Username, name)
}

func (a *app) runHTTP(ctx context.Context, addr string) error {
	var opts []scan.Option
	var metricsHandler http.Handler
	if a.cfg.Metrics {
		m := metrics.New()
		opts = append(opts, scan.WithObserver(m))
		metricsHandler = m.Handler()
	}
	coord := a.coordinator(opts...)
	defer coord.Close()

	policy := a.cfg.Policy()
	sched := scheduler.New(a.store, a.cipher, coord, policy, a.cfg.Durations().Scheduler)
	sched.Start()
	defer sched.Stop()

	api := &server.Server{
		Store:   a.store,
		Cipher:  a.cipher,
		Scanner: coord,
		Planner: sched,
		Auth:    auth.NewManager(a.store.Dir()),
		Metrics: metricsHandler,
		Policy:  policy,
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.WithFields(log.Fields{"addr": addr, "data_dir": a.store.Dir()}).Info("whisperer API listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// getListenPort 从监听地址解析端口，如 ":21008" -> "21008"
func getListenPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}

// killProcessOnPort 结束占用指定端口的进程（macOS/Linux 使用 lsof + kill）
func killProcessOnPort(port string) {
	if runtime.GOOS == "windows" {
		return
	}
	out, err := exec.Command("lsof", "-i", ":"+port, "-t").Output()
	if err != nil || len(out) == 0 {
		return
	}
	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err != nil || pid == os.Getpid() {
			continue
		}
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Kill()
		}
	}
}
