package controlplane

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fields is a partial update payload keyed by JSON field name.
type Fields map[string]json.RawMessage

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// FieldsOf marshals each value of m. It is a convenience for callers building payloads in code.
func FieldsOf(m map[string]any) (Fields, error) {
	out := make(Fields, len(m))
	for key, value := range m {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal field %s: %w", key, err)
		}
		out[key] = raw
	}
	return out, nil
}

type systemInfoSetter func(*SystemInfo, json.RawMessage) error

func systemField[T any](ref func(*SystemInfo) **T) systemInfoSetter {
	return func(info *SystemInfo, raw json.RawMessage) error {
		var value *T
		if err := json.Unmarshal(raw, &value); err != nil {
			return err
		}
		*ref(info) = value
		return nil
	}
}

var systemInfoFields = map[string]systemInfoSetter{
	"system_name":                systemField(func(s *SystemInfo) **string { return &s.SystemName }),
	"system_release":             systemField(func(s *SystemInfo) **string { return &s.SystemRelease }),
	"system_version":             systemField(func(s *SystemInfo) **string { return &s.SystemVersion }),
	"system_architecture":        systemField(func(s *SystemInfo) **string { return &s.SystemArchitecture }),
	"cpu_model":                  systemField(func(s *SystemInfo) **string { return &s.CPUModel }),
	"cpu_clock_speed_advertised": systemField(func(s *SystemInfo) **float64 { return &s.CPUClockSpeedAdvertised }),
	"cpu_clock_speed_actual":     systemField(func(s *SystemInfo) **float64 { return &s.CPUClockSpeedActual }),
	"cpu_logical_cores":          systemField(func(s *SystemInfo) **int64 { return &s.CPULogicalCores }),
	"cpu_physical_cores":         systemField(func(s *SystemInfo) **int64 { return &s.CPUPhysicalCores }),
	"cpu_cache_l1_size":          systemField(func(s *SystemInfo) **int64 { return &s.CPUCacheL1Size }),
	"cpu_cache_l2_size":          systemField(func(s *SystemInfo) **int64 { return &s.CPUCacheL2Size }),
	"cpu_cache_l3_size":          systemField(func(s *SystemInfo) **int64 { return &s.CPUCacheL3Size }),
	"ram_size_total":             systemField(func(s *SystemInfo) **int64 { return &s.RAMSizeTotal }),
	"disk_size_total":            systemField(func(s *SystemInfo) **int64 { return &s.DiskSizeTotal }),
	"disk_size_available":        systemField(func(s *SystemInfo) **int64 { return &s.DiskSizeAvailable }),
	"gpu_vendor":                 systemField(func(s *SystemInfo) **string { return &s.GPUVendor }),
	"gpu_model":                  systemField(func(s *SystemInfo) **string { return &s.GPUModel }),
	"gpu_memory_size":            systemField(func(s *SystemInfo) **int64 { return &s.GPUMemorySize }),
	"gpu_clock_speed":            systemField(func(s *SystemInfo) **float64 { return &s.GPUClockSpeed }),
	"gpu_compute_units":          systemField(func(s *SystemInfo) **int64 { return &s.GPUComputeUnits }),
	"gpu_core_count":             systemField(func(s *SystemInfo) **int64 { return &s.GPUCoreCount }),
	"gpu_driver_version":         systemField(func(s *SystemInfo) **string { return &s.GPUDriverVersion }),
}

// ApplySystemInfoFields validates fields against the SystemInfo schema and
// applies them to info. On error info is left untouched.
func ApplySystemInfoFields(info *SystemInfo, fields Fields) error {
	updated := *info
	for _, name := range fields.Keys() {
		if name == "id" || name == "runner_id" {
			return ErrValidation("SystemInfo field %s cannot be set", name)
		}
		setter, ok := systemInfoFields[name]
		if !ok {
			return ErrValidation("Unknown SystemInfo field: %s", name)
		}
		if err := setter(&updated, fields[name]); err != nil {
			return ErrValidation("invalid value for %s: %v", name, err)
		}
	}
	*info = updated
	return nil
}

type jobField struct {
	owner  bool
	runner bool
	apply  func(*Job, json.RawMessage) error
}

// RunnerJobFields is the set of job fields a runner may write.
var RunnerJobFields = []string{"exit_code", "status", "working_directory"}

var readOnlyJobFields = map[string]struct{}{
	"id":                      {},
	"created_by":              {},
	"local_working_directory": {},
	"created_at":              {},
	"updated_at":              {},
	"version":                 {},
}

var jobFields = map[string]jobField{
	"name": {owner: true, apply: func(j *Job, raw json.RawMessage) error {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return err
		}
		name = strings.TrimSpace(name)
		if name == "" || len(name) > 100 {
			return fmt.Errorf("must be between 1 and 100 characters")
		}
		j.Name = name
		return nil
	}},
	"priority": {owner: true, apply: func(j *Job, raw json.RawMessage) error {
		var priority int
		if err := json.Unmarshal(raw, &priority); err != nil {
			return err
		}
		if priority < MinJobPriority || priority > MaxJobPriority {
			return fmt.Errorf("must be between %d and %d", MinJobPriority, MaxJobPriority)
		}
		j.Priority = priority
		return nil
	}},
	"assigned_runner": {owner: true, apply: func(j *Job, raw json.RawMessage) error {
		return decodeOptionalString(raw, &j.AssignedRunner)
	}},
	"application_id": {owner: true, apply: func(j *Job, raw json.RawMessage) error {
		return decodeOptionalString(raw, &j.ApplicationID)
	}},
	"executable": {owner: true, apply: func(j *Job, raw json.RawMessage) error {
		var exe string
		if err := json.Unmarshal(raw, &exe); err != nil {
			return err
		}
		if len(exe) > 500 {
			return fmt.Errorf("must be at most 500 characters")
		}
		j.Executable = exe
		return nil
	}},
	"command_line_args": {owner: true, apply: func(j *Job, raw json.RawMessage) error {
		var args []string
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		j.CommandLineArgs = args
		return nil
	}},
	"status": {owner: true, runner: true, apply: func(j *Job, raw json.RawMessage) error {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return err
		}
		status, ok := ParseJobStatus(value)
		if !ok {
			return fmt.Errorf("unknown status %q", value)
		}
		j.Status = status
		return nil
	}},
	"working_directory": {runner: true, apply: func(j *Job, raw json.RawMessage) error {
		if err := decodeOptionalString(raw, &j.WorkingDirectory); err != nil {
			return err
		}
		if j.WorkingDirectory != nil && len(*j.WorkingDirectory) > 500 {
			return fmt.Errorf("must be at most 500 characters")
		}
		return nil
	}},
	"exit_code": {runner: true, apply: func(j *Job, raw json.RawMessage) error {
		var code *int
		if err := json.Unmarshal(raw, &code); err != nil {
			return err
		}
		j.ExitCode = code
		return nil
	}},
}

// applyJobFields applies fields to j for the given role. Validation runs over
// every key before anything is written.
func applyJobFields(j *Job, fields Fields, asRunner bool) error {
	if asRunner {
		if err := checkRunnerJobFields(fields); err != nil {
			return err
		}
	}
	for _, name := range fields.Keys() {
		if _, ok := readOnlyJobFields[name]; ok {
			return ErrValidation("job field %s is read-only", name)
		}
		f, ok := jobFields[name]
		if !ok {
			return ErrValidation("unknown job field: %s", name)
		}
		if !asRunner && !f.owner {
			return ErrValidation("job field %s can only be set by the assigned runner", name)
		}
	}
	for _, name := range fields.Keys() {
		if err := jobFields[name].apply(j, fields[name]); err != nil {
			return ErrValidation("invalid value for %s: %v", name, err)
		}
	}
	return nil
}

// checkRunnerJobFields rejects any key outside RunnerJobFields.
func checkRunnerJobFields(fields Fields) error {
	var disallowed []string
	for _, name := range fields.Keys() {
		if f, ok := jobFields[name]; !ok || !f.runner {
			disallowed = append(disallowed, name)
		}
	}
	if len(disallowed) > 0 {
		return ErrValidation("Runners can only update %s fields; not allowed: %s",
			strings.Join(RunnerJobFields, ", "), strings.Join(disallowed, ", "))
	}
	return nil
}

func decodeOptionalString(raw json.RawMessage, dst **string) error {
	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	if value != nil && strings.TrimSpace(*value) == "" {
		value = nil
	}
	*dst = value
	return nil
}
