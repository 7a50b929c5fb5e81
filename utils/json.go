package utils

import (
	"github.com/bytedance/sonic"

	"github.com/saiset-co/sai-memcache/types"
)

// jsonAPI sorts map keys so reports and snapshots encode stably.
var jsonAPI = sonic.ConfigStd

func Marshal(data interface{}) ([]byte, error) {
	return jsonAPI.Marshal(data)
}

func Unmarshal[T any](data []byte, target *T) error {
	return jsonAPI.Unmarshal(data, target)
}

// UnmarshalConfig turns a loosely typed backend section, as yaml leaves it,
// into target. A value that already has the target type is copied as is.
func UnmarshalConfig[T any](config interface{}, target *T) error {
	switch typed := config.(type) {
	case nil:
		return types.ErrConfigIsNil
	case *T:
		*target = *typed
		return nil
	case T:
		*target = typed
		return nil
	}

	raw, err := jsonAPI.Marshal(config)
	if err != nil {
		return types.WrapError(err, "failed to encode config section")
	}

	if err := jsonAPI.Unmarshal(raw, target); err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	return nil
}
