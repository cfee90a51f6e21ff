package grpcjobs

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

// The job worker protocol (§6) is carried entirely as structpb.Struct
// values rather than protoc-generated request/response types: this
// workspace has no protobuf toolchain to regenerate .pb.go files from a
// .proto source, and structpb.Struct already has a real, stable wire
// encoding. Encoding/decoding below is the hand-written equivalent of what
// protoc-gen-go would otherwise produce.

func activationToStruct(a procstore.JobActivation) (*structpb.Struct, error) {
	flags, err := flagMapToStruct(a.OrchFlags)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"job_key":            a.JobKey,
		"instance_id":        a.InstanceID,
		"task_type":          a.TaskType,
		"service_task_id":    a.ServiceTaskID,
		"domain_payload":     string(a.DomainPayload.Bytes()),
		"domain_payload_hash": hashToHex(a.DomainPayloadHash),
		"orch_flags":         flags.AsMap(),
		"retries_remaining":  float64(a.RetriesRemaining),
	})
}

func structToActivation(s *structpb.Struct) (procstore.JobActivation, error) {
	fields := s.GetFields()
	payload, err := value.NewDomainPayload([]byte(stringField(fields, "domain_payload", "{}")))
	if err != nil {
		return procstore.JobActivation{}, fmt.Errorf("grpcjobs: decode domain_payload: %w", err)
	}
	hash, err := hexToHash(stringField(fields, "domain_payload_hash", ""))
	if err != nil {
		return procstore.JobActivation{}, err
	}
	flags, err := structToFlagMap(fields["orch_flags"].GetStructValue())
	if err != nil {
		return procstore.JobActivation{}, err
	}
	return procstore.JobActivation{
		JobKey:            stringField(fields, "job_key", ""),
		InstanceID:        stringField(fields, "instance_id", ""),
		TaskType:          stringField(fields, "task_type", ""),
		ServiceTaskID:     stringField(fields, "service_task_id", ""),
		DomainPayload:     payload,
		DomainPayloadHash: hash,
		OrchFlags:         flags,
		RetriesRemaining:  int(numberField(fields, "retries_remaining", 0)),
	}, nil
}

func completionToStruct(c procstore.JobCompletion) (*structpb.Struct, error) {
	flags, err := flagMapToStruct(c.OrchFlags)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"job_key":             c.JobKey,
		"domain_payload":      string(c.DomainPayload.Bytes()),
		"domain_payload_hash": hashToHex(c.DomainPayloadHash),
		"orch_flags":          flags.AsMap(),
	})
}

func structToCompletion(s *structpb.Struct) (procstore.JobCompletion, error) {
	fields := s.GetFields()
	payload, err := value.NewDomainPayload([]byte(stringField(fields, "domain_payload", "{}")))
	if err != nil {
		return procstore.JobCompletion{}, fmt.Errorf("grpcjobs: decode domain_payload: %w", err)
	}
	hash, err := hexToHash(stringField(fields, "domain_payload_hash", ""))
	if err != nil {
		return procstore.JobCompletion{}, err
	}
	flags, err := structToFlagMap(fields["orch_flags"].GetStructValue())
	if err != nil {
		return procstore.JobCompletion{}, err
	}
	return procstore.JobCompletion{
		JobKey:            stringField(fields, "job_key", ""),
		DomainPayload:     payload,
		DomainPayloadHash: hash,
		OrchFlags:         flags,
	}, nil
}

// flagMapToStruct renders a value.FlagMap as a structpb.Struct keyed by the
// decimal string form of each FlagKey, since structpb field names must be
// strings and FlagKey is a uint32.
func flagMapToStruct(fm value.FlagMap) (*structpb.Struct, error) {
	m := make(map[string]any, len(fm))
	for _, k := range fm.SortedKeys() {
		v := fm[k]
		rendered, err := flagValueToAny(v)
		if err != nil {
			return nil, err
		}
		m[fmt.Sprintf("%d", k)] = rendered
	}
	return structpb.NewStruct(m)
}

func structToFlagMap(s *structpb.Struct) (value.FlagMap, error) {
	if s == nil {
		return value.FlagMap{}, nil
	}
	fm := make(value.FlagMap, len(s.GetFields()))
	for k, v := range s.GetFields() {
		var key uint32
		if _, err := fmt.Sscanf(k, "%d", &key); err != nil {
			return nil, fmt.Errorf("grpcjobs: malformed flag key %q: %w", k, err)
		}
		val, err := anyToFlagValue(v)
		if err != nil {
			return nil, err
		}
		fm[value.FlagKey(key)] = val
	}
	return fm, nil
}

func flagValueToAny(v value.Value) (any, error) {
	switch v.Kind() {
	case value.KindBool:
		b, _ := v.AsBool()
		return map[string]any{"b": b}, nil
	case value.KindInt:
		i, _ := v.AsInt()
		return map[string]any{"i": float64(i)}, nil
	case value.KindString:
		s, _ := v.AsString()
		return map[string]any{"s": s}, nil
	case value.KindRef:
		r, _ := v.AsRef()
		return map[string]any{"r": r}, nil
	default:
		return nil, fmt.Errorf("grpcjobs: unsupported flag value kind %v", v.Kind())
	}
}

func anyToFlagValue(v *structpb.Value) (value.Value, error) {
	fields := v.GetStructValue().GetFields()
	switch {
	case fields["b"] != nil:
		return value.Bool(fields["b"].GetBoolValue()), nil
	case fields["i"] != nil:
		return value.Int(int64(fields["i"].GetNumberValue())), nil
	case fields["s"] != nil:
		return value.Str(fields["s"].GetStringValue()), nil
	case fields["r"] != nil:
		return value.Ref(fields["r"].GetStringValue()), nil
	default:
		return value.Value{}, fmt.Errorf("grpcjobs: malformed flag value")
	}
}

func hashToHex(h value.PayloadHash) string {
	return hex.EncodeToString(h[:])
}

func hexToHash(s string) (value.PayloadHash, error) {
	var h value.PayloadHash
	if s == "" {
		return h, nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("grpcjobs: decode payload hash: %w", err)
	}
	copy(h[:], decoded)
	return h, nil
}

func stringField(fields map[string]*structpb.Value, key, def string) string {
	if v, ok := fields[key]; ok {
		return v.GetStringValue()
	}
	return def
}

func numberField(fields map[string]*structpb.Value, key string, def float64) float64 {
	if v, ok := fields[key]; ok {
		return v.GetNumberValue()
	}
	return def
}
