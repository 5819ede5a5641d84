// Package store 把扫描会话、主机结果、命令模板、凭据组与定时任务保存为数据目录下的 JSON 文件
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"whisperer/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// DefaultDir 默认数据目录：os.UserConfigDir()/whisperer
// macOS 为 ~/Library/Application Support/whisperer，Linux 为 ~/.config/whisperer
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "whisperer"), nil
}

// Store 数据目录布局：
//
//	sessions/<id>/session.json
//	sessions/<id>/results/<ip>.json
//	templates.json  credentials.json  schedules.json
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open 打开（必要时创建）数据目录
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0700); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir 数据目录
func (s *Store) Dir() string { return s.dir }

// writeJSON 先写临时文件再 rename，进程异常退出时不会留下半截文件
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("解析 %s 失败: %w", filepath.Base(path), err)
	}
	return nil
}

// ---- 扫描会话 ----

type sessionRecord struct {
	models.SessionSummary
	Targets []string `json:"targets"`
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.dir, "sessions", id)
}

// SaveSession 写入会话概要与目标列表
func (s *Store) SaveSession(sess *models.ScanSession) error {
	if !validID(sess.ID) {
		return fmt.Errorf("invalid session id %q", sess.ID)
	}
	rec := sessionRecord{SessionSummary: sess.Summary(), Targets: sess.Targets()}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.sessionDir(sess.ID), "session.json"), rec)
}

// SaveResult 写入一台主机的结果，每台主机一个文件
func (s *Store) SaveResult(sessionID string, r *models.HostResult) error {
	if !validID(sessionID) || !validID(r.Target) {
		return fmt.Errorf("invalid result key %q/%q", sessionID, r.Target)
	}
	return writeJSON(filepath.Join(s.sessionDir(sessionID), "results", r.Target+".json"), r)
}

// LoadSession 读取会话与全部主机结果
func (s *Store) LoadSession(id string) (*models.ScanSession, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	var rec sessionRecord
	if err := readJSON(filepath.Join(s.sessionDir(id), "session.json"), &rec); err != nil {
		return nil, err
	}
	results, err := s.loadResults(id)
	if err != nil {
		return nil, err
	}
	return models.RestoreSession(rec.SessionSummary, rec.Targets, results), nil
}

func (s *Store) loadResults(id string) ([]*models.HostResult, error) {
	dir := filepath.Join(s.sessionDir(id), "results")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*models.HostResult, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		var r models.HostResult
		if err := readJSON(filepath.Join(dir, e.Name()), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

// ListSessions 全部会话概要，新的在前
func (s *Store) ListSessions() ([]models.SessionSummary, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "sessions"))
	if err != nil {
		return nil, err
	}
	out := []models.SessionSummary{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.LoadSession(e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteSession 删除会话及其结果
func (s *Store) DeleteSession(id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

// ---- 模板 / 凭据组 / 定时任务 ----

// Collection 单文件保存的一组记录
type Collection[T any] struct {
	store *Store
	file  string
	id    func(*T) *string
	touch func(item, prev *T, now time.Time)
}

func (c Collection[T]) path() string {
	return filepath.Join(c.store.dir, c.file)
}

func (c Collection[T]) load() ([]T, error) {
	var items []T
	err := readJSON(c.path(), &items)
	if errors.Is(err, ErrNotFound) {
		return []T{}, nil
	}
	if items == nil {
		items = []T{}
	}
	return items, err
}

func (c Collection[T]) List() ([]T, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.load()
}

func (c Collection[T]) Get(id string) (T, error) {
	var zero T
	items, err := c.List()
	if err != nil {
		return zero, err
	}
	for i := range items {
		if *c.id(&items[i]) == id {
			return items[i], nil
		}
	}
	return zero, ErrNotFound
}

// Save 新记录分配 ID，已有记录按 ID 覆盖
func (c Collection[T]) Save(item *T) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	items, err := c.load()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	idp := c.id(item)
	if *idp == "" {
		*idp = uuid.NewString()
	}
	for i := range items {
		if *c.id(&items[i]) == *idp {
			c.touch(item, &items[i], now)
			items[i] = *item
			return writeJSON(c.path(), items)
		}
	}
	c.touch(item, nil, now)
	items = append(items, *item)
	return writeJSON(c.path(), items)
}

func (c Collection[T]) Delete(id string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	items, err := c.load()
	if err != nil {
		return err
	}
	for i := range items {
		if *c.id(&items[i]) == id {
			items = append(items[:i], items[i+1:]...)
			return writeJSON(c.path(), items)
		}
	}
	return ErrNotFound
}

// createdAt 更新时沿用原记录的创建时间，新记录未指定时取 now
func createdAt[T any](cur time.Time, prev *T, get func(*T) time.Time, now time.Time) time.Time {
	if prev != nil {
		if t := get(prev); !t.IsZero() {
			return t
		}
	}
	if cur.IsZero() {
		return now
	}
	return cur
}

// Templates 命令模板
func (s *Store) Templates() Collection[models.CommandTemplate] {
	return Collection[models.CommandTemplate]{
		store: s,
		file:  "templates.json",
		id:    func(t *models.CommandTemplate) *string { return &t.ID },
		touch: func(t, prev *models.CommandTemplate, now time.Time) {
			t.CreatedAt = createdAt(t.CreatedAt, prev, func(p *models.CommandTemplate) time.Time { return p.CreatedAt }, now)
		},
	}
}

// CredentialSets 凭据组（密文）
func (s *Store) CredentialSets() Collection[models.CredentialSet] {
	return Collection[models.CredentialSet]{
		store: s,
		file:  "credentials.json",
		id:    func(c *models.CredentialSet) *string { return &c.ID },
		touch: func(c, prev *models.CredentialSet, now time.Time) {
			c.CreatedAt = createdAt(c.CreatedAt, prev, func(p *models.CredentialSet) time.Time { return p.CreatedAt }, now)
			c.UpdatedAt = now
		},
	}
}

// Schedules 定时扫描
func (s *Store) Schedules() Collection[models.Schedule] {
	return Collection[models.Schedule]{
		store: s,
		file:  "schedules.json",
		id:    func(sc *models.Schedule) *string { return &sc.ID },
		touch: func(sc, prev *models.Schedule, now time.Time) {
			sc.CreatedAt = createdAt(sc.CreatedAt, prev, func(p *models.Schedule) time.Time { return p.CreatedAt }, now)
			sc.UpdatedAt = now
		},
	}
}
