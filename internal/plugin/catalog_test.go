package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hotpatch/internal/transform"
	"github.com/mattjoyce/hotpatch/internal/watcher"
)

func staticTransform(pattern string) Transform {
	return Transform{Name: "onLoad", Static: true, Pattern: pattern, Fn: func(*Instance, transform.Class) error { return nil }}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    *Descriptor
		wantErr string
	}{
		{
			name: "valid static-only plugin",
			desc: &Descriptor{Name: "logger", Transforms: []Transform{staticTransform(".*")}},
		},
		{
			name:    "missing name",
			desc:    &Descriptor{Transforms: []Transform{staticTransform(".*")}},
			wantErr: "name is required",
		},
		{
			name:    "invalid name",
			desc:    &Descriptor{Name: "Bad Name", Transforms: []Transform{staticTransform(".*")}},
			wantErr: "invalid plugin name",
		},
		{
			name:    "no extension points",
			desc:    &Descriptor{Name: "empty"},
			wantErr: "no extension points",
		},
		{
			name:    "instance points without static transform",
			desc:    &Descriptor{Name: "orphan", Watches: []Watch{{Path: "."}}},
			wantErr: "no static transform",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTransformFlags(t *testing.T) {
	assert.Equal(t, transform.OnDefine|transform.SkipAnonymous, Transform{}.Flags())
	assert.Equal(t, transform.OnRedefine, Transform{OnRedefine: true, IncludeAnonymous: true}.Flags())
	assert.Equal(t, transform.OnDefine|transform.OnRedefine|transform.SkipAnonymous, Transform{OnDefine: true, OnRedefine: true}.Flags())
}

func TestSupports(t *testing.T) {
	d := &Descriptor{Name: "x", TestedVersions: []string{"1.4.*", "2.0"}}
	assert.True(t, d.Supports("1.4.7"))
	assert.True(t, d.Supports("2.0"))
	assert.False(t, d.Supports("2.1"))
	assert.True(t, d.Supports(""))
	assert.True(t, (&Descriptor{Name: "y"}).Supports("9"))
}

func TestCatalog(t *testing.T) {
	a := &Descriptor{Name: "alpha", Version: "1.0", Transforms: []Transform{staticTransform(`com\..*`)}}
	b := &Descriptor{
		Name:       "beta",
		Inits:      []Init{{Name: "setup", Static: true, Needs: []Capability{CapScheduler}}},
		Transforms: []Transform{staticTransform(".*")},
		Watches:    []Watch{{Name: "classes", Path: ".", Filter: "*.class", Kinds: watcher.Modify}},
	}
	c, err := NewCatalog(b, a)
	require.NoError(t, err)

	assert.Error(t, c.Add(&Descriptor{Name: "alpha", Transforms: []Transform{staticTransform(".*")}}))

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)

	unknown := c.Disable("beta", "gamma", " ")
	assert.Equal(t, []string{"gamma"}, unknown)
	assert.False(t, c.Enabled("beta"))
	assert.True(t, c.Enabled("alpha"))
	assert.False(t, c.Enabled("gamma"))
	require.Len(t, c.EnabledDescriptors(), 1)

	manifests := c.Manifests()
	require.Len(t, manifests, 2)
	assert.False(t, manifests[1].Enabled)
	assert.Equal(t, "modify", manifests[1].Watches[0].Kinds)
	assert.Equal(t, []string{"scheduler"}, manifests[1].Inits[0].Needs)

	out, err := yaml.Marshal(manifests[0])
	require.NoError(t, err)
	assert.Contains(t, string(out), "name: alpha")
	assert.Contains(t, string(out), "flags: define|skip-anonymous")
}

func TestGetCapability(t *testing.T) {
	svc := Services{CapConfig: map[string]string{"k": "v"}, CapEvents: nil}

	cfg, ok := Get[map[string]string](svc, CapConfig)
	require.True(t, ok)
	assert.Equal(t, "v", cfg["k"])

	_, ok = Get[int](svc, CapConfig)
	assert.False(t, ok)
	_, ok = Get[any](svc, CapEvents)
	assert.False(t, ok)

	assert.Panics(t, func() { MustGet[int](svc, CapScheduler) })
}
