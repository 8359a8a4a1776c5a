package graph

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// precisionNames are the short names used in reorder names, dumps and graph descriptions.
var precisionNames = []struct {
	name  string
	dtype dtypes.DType
}{
	{"f32", dtypes.Float32},
	{"f16", dtypes.Float16},
	{"bf16", dtypes.BFloat16},
	{"f64", dtypes.Float64},
	{"i8", dtypes.Int8},
	{"u8", dtypes.Uint8},
	{"i16", dtypes.Int16},
	{"u16", dtypes.Uint16},
	{"i32", dtypes.Int32},
	{"u32", dtypes.Uint32},
	{"i64", dtypes.Int64},
	{"u64", dtypes.Uint64},
	{"bool", dtypes.Bool},
}

// PrecisionName returns the short name of dtype, e.g. "f32".
func PrecisionName(dtype dtypes.DType) string {
	for _, p := range precisionNames {
		if p.dtype == dtype {
			return p.name
		}
	}
	return dtype.String()
}

// PrecisionFromName converts a short precision name back to a dtype.
func PrecisionFromName(name string) (dtypes.DType, error) {
	for _, p := range precisionNames {
		if p.name == name {
			return p.dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported/unknown precision %q", name)
}

// PrecisionNames lists every short name accepted by PrecisionFromName.
func PrecisionNames() []string {
	names := make([]string, len(precisionNames))
	for i, p := range precisionNames {
		names[i] = p.name
	}
	return names
}
