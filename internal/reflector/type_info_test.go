package reflector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testStruct struct{}

func TestTypeInfo(t *testing.T) {
	ti := TypeInfoOf(testStruct{})
	require.Equal(t, "reflector.testStruct", ti.Name)
	require.Equal(t, "github.com/codewandler/evstore/internal/reflector.testStruct", ti.FullName)

	require.Equal(t, ti.Name, TypeInfoOf(&testStruct{}).Name)
	require.Equal(t, ti.Name, TypeInfoFor[testStruct]().Name)
	require.Equal(t, ti.Name, TypeInfoFor[*testStruct]().Name)
}

func TestTypeInfo_Unnamed(t *testing.T) {
	require.Equal(t, "map[string]int", TypeInfoOf(map[string]int{}).Name)
	require.Equal(t, TypeInfo{}, TypeInfoOf(nil))
}
