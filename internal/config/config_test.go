package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/config"
	"github.com/sky-uk/blercud/internal/testutils"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (suite *ConfigTestSuite) TestDefaultSeedsEveryField() {
	c := config.Default()
	suite.Assert().Equal("/org/bluez/hci0", c.AdapterPath)
	suite.Assert().Equal(30*time.Second, c.ServicesResolveTimeout)
	suite.Assert().Equal(100, c.RecoveryCeiling)
	suite.Assert().Empty(c.VendorModels)
}

func (suite *ConfigTestSuite) TestLoadOverridesOnlySpecifiedFields() {
	dir := suite.T().TempDir()
	path := filepath.Join(dir, "blercud.yaml")
	content := `
recovery_ceiling: 5
vendor_models:
  - name: "Acme RCU"
    oui: "AA:BB:CC"
    enabled: true
`
	suite.Require().NoError(os.WriteFile(path, []byte(content), 0o644))

	c, err := config.Load(path)
	suite.Require().NoError(err)
	suite.Assert().Equal(5, c.RecoveryCeiling)
	suite.Assert().Equal("/org/bluez/hci0", c.AdapterPath) // unspecified, keeps default
	suite.Require().Len(c.VendorModels, 1)
	suite.Assert().Equal("Acme RCU", c.VendorModels[0].Name)
}

func (suite *ConfigTestSuite) TestLoadMissingFileReturnsFileNotFound() {
	_, err := config.Load(filepath.Join(suite.T().TempDir(), "missing.yaml"))
	suite.Require().Error(err)
	suite.Assert().ErrorIs(err, blercuerror.ErrFileNotFound)
}

func (suite *ConfigTestSuite) TestMatchModelByOUIPrefixCaseInsensitive() {
	c := config.Default()
	c.VendorModels = []config.VendorModel{
		{Name: "Acme RCU", OUI: "aa:bb:cc", Enabled: true},
		{Name: "Disabled RCU", OUI: "11:22:33", Enabled: false},
	}

	m, ok := c.MatchModel("AA:BB:CC:DD:EE:FF")
	suite.Require().True(ok)
	suite.Assert().Equal("Acme RCU", m.Name)

	_, ok = c.MatchModel("11:22:33:44:55:66")
	suite.Assert().False(ok, "disabled models must not match")

	_, ok = c.MatchModel("FF:FF:FF:FF:FF:FF")
	suite.Assert().False(ok)
}

func (suite *ConfigTestSuite) TestLoadVendorModelJSONShape() {
	dir := suite.T().TempDir()
	path := filepath.Join(dir, "blercud.yaml")
	content := `
vendor_models:
  - name: "Acme RCU"
    oui: "AA:BB:CC"
    enabled: true
`
	suite.Require().NoError(os.WriteFile(path, []byte(content), 0o644))

	c, err := config.Load(path)
	suite.Require().NoError(err)

	testutils.NewJSONAsserter(suite.T()).AssertJSON(c.VendorModels[0], `{
		"Name": "Acme RCU",
		"OUI": "AA:BB:CC",
		"Enabled": true
	}`)
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
