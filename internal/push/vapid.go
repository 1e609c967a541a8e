package push

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/notehub/chat/internal/logger"
)

// DefaultKeysFile — куда сохраняются сгенерированные ключи, если путь не задан.
const DefaultKeysFile = "config/vapid.json"

// VAPIDKeys — пара ключей Web Push.
type VAPIDKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Valid сообщает, заданы ли обе половины пары.
func (k *VAPIDKeys) Valid() bool {
	return k != nil && k.PublicKey != "" && k.PrivateKey != ""
}

// LoadOrCreateVAPIDKeys читает пару из path, а если файла нет или он неполный, генерирует новую.
// Ошибка записи не фатальна: сгенерированные ключи всё равно возвращаются (до перезапуска).
func LoadOrCreateVAPIDKeys(path string) (*VAPIDKeys, error) {
	if path == "" {
		path = DefaultKeysFile
	}
	if keys, err := readKeys(path); err == nil && keys.Valid() {
		return keys, nil
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push: generate vapid keys: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := writeKeys(path, keys); err != nil {
		logger.Errorf("push: save vapid keys to %s: %v (using in-memory pair)", path, err)
		return keys, nil
	}
	logger.Infof("push: generated vapid keys in %s", path)
	return keys, nil
}

func readKeys(path string) (*VAPIDKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys VAPIDKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("push: parse %s: %w", path, err)
	}
	return &keys, nil
}

// writeKeys пишет через временный файл, чтобы параллельный старт не увидел половину JSON.
func writeKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
