package device

import (
	"fmt"
	"strings"
)

// Dim3 is the 3-d launch grid. Every cell is one unit.
type Dim3 struct {
	X, Y, Z uint32
}

// Units returns the number of parallel units the grid launches.
func (d Dim3) Units() int {
	return int(d.X) * int(d.Y) * int(d.Z)
}

func (d Dim3) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// FunctionType says how units map onto hardware. Block launches schedule
// every unit independently; UnionN launches gang N clusters together.
type FunctionType int

const (
	FuncBlock FunctionType = iota
	FuncUnion1
	FuncUnion2
	FuncUnion4
	FuncUnion8
)

// Clusters returns the number of clusters a union launch occupies, or 0 for
// block launches.
func (f FunctionType) Clusters() int {
	switch f {
	case FuncUnion1:
		return 1
	case FuncUnion2:
		return 2
	case FuncUnion4:
		return 4
	case FuncUnion8:
		return 8
	default:
		return 0
	}
}

func (f FunctionType) String() string {
	switch f {
	case FuncBlock:
		return "block"
	case FuncUnion1:
		return "union1"
	case FuncUnion2:
		return "union2"
	case FuncUnion4:
		return "union4"
	case FuncUnion8:
		return "union8"
	default:
		return fmt.Sprintf("FunctionType(%d)", int(f))
	}
}

// ParseFunctionType maps a flag value such as "union4" to a FunctionType.
func ParseFunctionType(s string) (FunctionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "":
		return FuncBlock, nil
	case "union1":
		return FuncUnion1, nil
	case "union2":
		return FuncUnion2, nil
	case "union4":
		return FuncUnion4, nil
	case "union8":
		return FuncUnion8, nil
	}
	return FuncBlock, fmt.Errorf("%w: unknown function type %q", ErrInvalidArgument, s)
}

// ValidateLaunch checks that dim and ft describe a launch the device can run.
// Union launches need the X extent to fill whole clusters.
func ValidateLaunch(dim Dim3, ft FunctionType, coresPerCluster int) error {
	if dim.Units() < 1 {
		return fmt.Errorf("%w: launch grid %s has no units", ErrInvalidArgument, dim)
	}
	if ft < FuncBlock || ft > FuncUnion8 {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, ft)
	}
	if n := ft.Clusters(); n > 0 {
		if coresPerCluster < 1 {
			return fmt.Errorf("%w: %d cores per cluster", ErrInvalidArgument, coresPerCluster)
		}
		if want := coresPerCluster * n; int(dim.X)%want != 0 {
			return fmt.Errorf("%w: %s launch needs X to be a multiple of %d, got %d",
				ErrInvalidArgument, ft, want, dim.X)
		}
	}
	return nil
}
