package secrets

import (
	"fmt"

	"whisperer/internal/models"
)

// SealCredential 把明文凭据写入凭据组的密文字段
func (c *Cipher) SealCredential(set *models.CredentialSet, cred models.Credential) error {
	secret, err := c.Encrypt(cred.Auth.Secret)
	if err != nil {
		return err
	}
	sudo, err := c.Encrypt(cred.SudoPassword)
	if err != nil {
		return err
	}
	set.Username = cred.Username
	set.AuthType = cred.Auth.Kind
	set.Priority = cred.Priority
	set.PasswordEncrypted, set.PrivateKeyEncrypted = "", ""
	switch cred.Auth.Kind {
	case models.AuthPassword:
		set.PasswordEncrypted = secret
	case models.AuthKey:
		set.PrivateKeyEncrypted = secret
	default:
		return fmt.Errorf("unsupported auth kind %q", cred.Auth.Kind)
	}
	set.SudoPasswordEncrypted = sudo
	return nil
}

// OpenCredentialSet 解密凭据组，得到交给扫描核心的明文凭据
func (c *Cipher) OpenCredentialSet(set models.CredentialSet) (models.Credential, error) {
	cred, err := c.open(set.AuthType, set.Username, set.PasswordEncrypted, set.PrivateKeyEncrypted, set.SudoPasswordEncrypted)
	if err != nil {
		return cred, fmt.Errorf("credential set %s: %w", set.ID, err)
	}
	cred.Label = set.Description
	if cred.Label == "" {
		cred.Label = set.Username
	}
	cred.Priority = set.Priority
	return cred, nil
}

// OpenScheduleCredential 解密定时任务自带的后备凭据；未配置用户名时返回 nil
func (c *Cipher) OpenScheduleCredential(s models.Schedule) (*models.Credential, error) {
	if s.Username == "" {
		return nil, nil
	}
	cred, err := c.open(s.AuthType, s.Username, s.PasswordEncrypted, s.PrivateKeyEncrypted, s.SudoPasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	return &cred, nil
}

// SealSchedule 加密定时任务自带的后备凭据
func (c *Cipher) SealSchedule(s *models.Schedule, cred models.Credential) error {
	var set models.CredentialSet
	if err := c.SealCredential(&set, cred); err != nil {
		return err
	}
	s.Username = set.Username
	s.AuthType = set.AuthType
	s.PasswordEncrypted = set.PasswordEncrypted
	s.PrivateKeyEncrypted = set.PrivateKeyEncrypted
	s.SudoPasswordEncrypted = set.SudoPasswordEncrypted
	return nil
}

func (c *Cipher) open(kind models.AuthKind, user, password, key, sudo string) (models.Credential, error) {
	cred := models.Credential{Username: user}
	var sealed string
	switch kind {
	case models.AuthPassword:
		sealed = password
	case models.AuthKey:
		sealed = key
	default:
		return cred, fmt.Errorf("unsupported auth kind %q", kind)
	}
	secret, err := c.Decrypt(sealed)
	if err != nil {
		return cred, err
	}
	cred.Auth = models.Auth{Kind: kind, Secret: secret}
	if cred.SudoPassword, err = c.Decrypt(sudo); err != nil {
		return cred, err
	}
	return cred, nil
}
