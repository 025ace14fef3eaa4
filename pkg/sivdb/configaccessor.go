package sivdb

import (
	"fmt"

	"github.com/function61/sivusto/pkg/blorm"
	"github.com/function61/sivusto/pkg/sivtypes"
	"go.etcd.io/bbolt"
)

var (
	CfgInstanceID = ConfigAccessor("instanceId")
)

type configAccessor struct {
	key string
}

func ConfigAccessor(key string) *configAccessor {
	return &configAccessor{key}
}

// returns descriptive error message if value not set
func (c *configAccessor) GetRequired(tx *bbolt.Tx) (string, error) {
	conf := &sivtypes.Config{}
	if err := configRepository.OpenByPrimaryKey([]byte(c.key), conf, tx); err != nil && err != blorm.ErrNotFound {
		return "", err
	}

	if conf.Value == "" {
		return "", fmt.Errorf("config value %s not set", c.key)
	}

	return conf.Value, nil
}

func (c *configAccessor) Set(value string, tx *bbolt.Tx) error {
	return configRepository.Update(&sivtypes.Config{
		Key:   c.key,
		Value: value,
	}, tx)
}
