package irdb_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/irdb"
	"github.com/sky-uk/blercud/internal/services/infrared"
)

type IrdbTestSuite struct {
	suite.Suite
}

func (suite *IrdbTestSuite) seeded() *irdb.Database {
	db := irdb.New()
	db.LoadAll([]irdb.Code{
		{Brand: "Acme", Model: "TV100", ID: 1, Waveforms: map[infrared.Key][]byte{
			infrared.Standby: {0x01, 0x02},
		}},
		{Brand: "Acme", Model: "TV200", ID: 2, Waveforms: map[infrared.Key][]byte{}},
		{Brand: "Beta", Model: "SB1", ID: 3, Waveforms: map[infrared.Key][]byte{}},
	})
	return db
}

func (suite *IrdbTestSuite) TestBrandsFiltersAndSorts() {
	db := suite.seeded()
	brands, err := db.Brands("", nil, 0, 0)
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"Acme", "Beta"}, brands)

	brands, err = db.Brands("acm", nil, 0, 0)
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"Acme"}, brands)
}

func (suite *IrdbTestSuite) TestModelsScopedToBrand() {
	db := suite.seeded()
	models, err := db.Models("Acme", "", nil, 0, 0)
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"TV100", "TV200"}, models)
}

func (suite *IrdbTestSuite) TestCodeIDsAndWaveforms() {
	db := suite.seeded()
	ids, err := db.CodeIDs("acme", "tv100", nil)
	suite.Require().NoError(err)
	suite.Assert().Equal([]int{1}, ids)

	wf, err := db.WaveformsFor(1, []infrared.Key{infrared.Standby, infrared.Mute})
	suite.Require().NoError(err)
	suite.Assert().Equal([]byte{0x01, 0x02}, wf[infrared.Standby])
	_, hasMute := wf[infrared.Mute]
	suite.Assert().False(hasMute)
}

func (suite *IrdbTestSuite) TestWaveformsForUnknownCodeErrors() {
	db := suite.seeded()
	_, err := db.WaveformsFor(999, []infrared.Key{infrared.Standby})
	suite.Assert().Error(err)
}

func TestIrdbTestSuite(t *testing.T) {
	suite.Run(t, new(IrdbTestSuite))
}
