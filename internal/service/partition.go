package service

import (
	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/sequence"
)

// NewPartitionResolver builds the resolver used by the service and the HTTP
// layer. An empty code selects the default partition; codes are expected to
// be short numeric strings (e.g. a two-digit year code).
func NewPartitionResolver(defaultCode, categoryPrefix string, serialWidth int, maxSerial int64) PartitionResolver {
	return func(code string) (sequence.Partition, error) {
		if code == "" {
			code = defaultCode
		}
		if len(code) > 8 {
			return sequence.Partition{}, &domain.ValidationError{Field: "partition", Msg: "partition code too long"}
		}
		for i := 0; i < len(code); i++ {
			if code[i] < '0' || code[i] > '9' {
				return sequence.Partition{}, &domain.ValidationError{Field: "partition", Msg: "partition code must be numeric"}
			}
		}
		return sequence.Partition{
			Key:            code + ":" + categoryPrefix,
			Code:           code,
			CategoryPrefix: categoryPrefix,
			SerialWidth:    serialWidth,
			MaxSerial:      maxSerial,
		}, nil
	}
}
