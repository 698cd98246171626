package executor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError describes a contract revert. Name and Args are set when the
// revert data matched one of the module's declared errors.
type RevertError struct {
	Name    string
	Args    []interface{}
	Message string
	Data    []byte
	Err     error
}

func (e *RevertError) Error() string {
	switch {
	case e.Name != "":
		return fmt.Sprintf("contract revert: %s%v", e.Name, e.Args)
	case e.Message != "":
		return "contract revert: " + e.Message
	case e.Err != nil:
		return "contract revert: " + e.Err.Error()
	default:
		return "contract revert"
	}
}

// Unwrap exposes both the taxonomy sentinel and the underlying node error.
func (e *RevertError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrContractRevert}
	}
	return []error{ErrContractRevert, e.Err}
}

// Reason returns the most specific description available.
func (e *RevertError) Reason() string {
	if e.Name != "" {
		return fmt.Sprintf("%s%v", e.Name, e.Args)
	}
	if e.Message != "" {
		return e.Message
	}
	return ""
}

// decodeRevert extracts revert data from a node error and decodes it against
// the module's error set. It returns nil when err does not describe a revert.
func decodeRevert(err error) *RevertError {
	if err == nil {
		return nil
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := revertData(dataErr.ErrorData()); ok {
			reason := decodeRevertData(data)
			reason.Err = err
			return reason
		}
	}

	if strings.Contains(err.Error(), "execution reverted") {
		return &RevertError{Err: err}
	}
	return nil
}

func revertData(raw interface{}) ([]byte, bool) {
	switch v := raw.(type) {
	case string:
		data, err := hexutil.Decode(v)
		if err != nil || len(data) == 0 {
			return nil, false
		}
		return data, true
	case []byte:
		return v, len(v) > 0
	default:
		return nil, false
	}
}

func decodeRevertData(data []byte) *RevertError {
	reason := &RevertError{Data: data}
	if len(data) < 4 {
		return reason
	}

	for name, declared := range moduleABI.Errors {
		if !bytes.Equal(declared.ID[:4], data[:4]) {
			continue
		}
		values, err := declared.Inputs.Unpack(data[4:])
		if err != nil {
			continue
		}
		reason.Name = name
		reason.Args = values
		return reason
	}

	if msg, err := abi.UnpackRevert(data); err == nil {
		reason.Message = msg
	}
	return reason
}
