package policy

import (
	"testing"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileNamedPolicies(t *testing.T) {
	data := []byte(`{
  "engineering": {
    "groups": {
      "ops": {
        "SYMMETRIC_KEY": {"GET": "ALLOW_ALL", "DESTROY": "ALLOW_OWNER"}
      }
    },
    "preset": {
      "SYMMETRIC_KEY": {"GET": "ALLOW_OWNER"}
    }
  },
  "legacy": {
    "CERTIFICATE": {"GET": "ALLOW_ALL"}
  }
}`)

	policies, err := ParseFile("/etc/kmip/policies/main.json", data)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	eng := policies[0]
	assert.Equal(t, "engineering", eng.Name)
	assert.Equal(t, AllowAll, eng.Permission("ops", kmip14.ObjectTypeSymmetricKey, kmip14.OperationGet))
	assert.Equal(t, AllowOwner, eng.Permission("ops", kmip14.ObjectTypeSymmetricKey, kmip14.OperationDestroy))
	assert.Equal(t, AllowOwner, eng.Permission("", kmip14.ObjectTypeSymmetricKey, kmip14.OperationGet))
	assert.Equal(t, AllowOwner, eng.Permission("unknown-role", kmip14.ObjectTypeSymmetricKey, kmip14.OperationGet))
	assert.Equal(t, DisallowAll, eng.Permission("", kmip14.ObjectTypeSymmetricKey, kmip14.OperationDestroy))

	legacy := policies[1]
	assert.Equal(t, "legacy", legacy.Name)
	assert.Equal(t, AllowAll, legacy.Permission("", kmip14.ObjectTypeCertificate, kmip14.OperationGet))
}

func TestParseFileYAMLSinglePolicy(t *testing.T) {
	data := []byte(`
preset:
  SYMMETRIC_KEY:
    GET: ALLOW_ALL
    GET_ATTRIBUTES: ALLOW_ALL
groups:
  admins:
    SYMMETRIC_KEY:
      DESTROY: ALLOW_ALL
`)

	policies, err := ParseFile("/policies/Team Keys.yaml", data)
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "team-keys", p.Name)
	assert.Equal(t, AllowAll, p.Permission("", kmip14.ObjectTypeSymmetricKey, kmip14.OperationGetAttributes))
	assert.Equal(t, AllowAll, p.Permission("admins", kmip14.ObjectTypeSymmetricKey, kmip14.OperationDestroy))
	assert.Equal(t, DisallowAll, p.Permission("admins", kmip14.ObjectTypeSymmetricKey, kmip14.OperationGet))
}

func TestParseFileErrors(t *testing.T) {
	testCases := map[string]struct {
		path string
		data string
	}{
		"syntax":             {path: "a.json", data: `{"p": `},
		"empty":              {path: "a.json", data: `{}`},
		"unknown object":     {path: "a.json", data: `{"p": {"preset": {"WIDGET": {"GET": "ALLOW_ALL"}}}}`},
		"unknown operation":  {path: "a.json", data: `{"p": {"preset": {"SYMMETRIC_KEY": {"FROB": "ALLOW_ALL"}}}}`},
		"unknown permission": {path: "a.json", data: `{"p": {"preset": {"SYMMETRIC_KEY": {"GET": "MAYBE"}}}}`},
		"extra section":      {path: "a.json", data: `{"p": {"preset": {}, "other": {}}}`},
		"not a mapping":      {path: "a.yaml", data: "p: 12\n"},
		"bad yaml":           {path: "a.yml", data: "p: [\n"},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFile(tc.path, []byte(tc.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPolicyParse))
		})
	}
}

func TestIsPolicyFile(t *testing.T) {
	assert.True(t, IsPolicyFile("a.json"))
	assert.True(t, IsPolicyFile("/x/a.YAML"))
	assert.True(t, IsPolicyFile("a.yml"))
	assert.False(t, IsPolicyFile("a.json.swp"))
	assert.False(t, IsPolicyFile("README"))
}

func TestBuiltinPolicies(t *testing.T) {
	s := NewStore().Load()

	assert.Equal(t, []string{DefaultPolicy, PublicPolicy}, s.Names())
	assert.Empty(t, s.Live())

	assert.True(t, s.IsAllowed(DefaultPolicy, "", kmip14.ObjectTypeSymmetricKey, kmip14.OperationGet, true))
	assert.False(t, s.IsAllowed(DefaultPolicy, "", kmip14.ObjectTypeSymmetricKey, kmip14.OperationGet, false))
	assert.True(t, s.IsAllowed(PublicPolicy, "", kmip14.ObjectTypeCertificate, kmip14.OperationGet, false))
	assert.False(t, s.IsAllowed(PublicPolicy, "", kmip14.ObjectTypeCertificate, kmip14.OperationDestroy, true))
	assert.False(t, s.IsAllowed("missing", "", kmip14.ObjectTypeSymmetricKey, kmip14.OperationGet, true))
}
