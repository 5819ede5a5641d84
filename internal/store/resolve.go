package store

import (
	"fmt"

	"whisperer/internal/models"
	"whisperer/internal/secrets"
)

// Credentials 按 ID 取出凭据组并解密；ids 为空时返回 nil
func (s *Store) Credentials(c *secrets.Cipher, ids []string) ([]models.Credential, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if c == nil {
		return nil, secrets.ErrNoKey
	}
	out := make([]models.Credential, 0, len(ids))
	for _, id := range ids {
		set, err := s.CredentialSets().Get(id)
		if err != nil {
			return nil, fmt.Errorf("credential set %s: %w", id, err)
		}
		cred, err := c.OpenCredentialSet(set)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, nil
}

// Commands 模板命令在前，自定义命令在后
func (s *Store) Commands(templateID, custom string) ([]string, error) {
	var out []string
	if templateID != "" {
		t, err := s.Templates().Get(templateID)
		if err != nil {
			return nil, fmt.Errorf("command template %s: %w", templateID, err)
		}
		out = append(out, t.Lines()...)
	}
	return append(out, models.SplitCommands(custom)...), nil
}
