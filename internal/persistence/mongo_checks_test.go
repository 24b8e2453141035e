package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/snarktank/antfarm/internal/testutil"
	"github.com/snarktank/antfarm/pkg/api"
)

type MongoCheckStoreTestSuite struct {
	suite.Suite
	client *mongo.Client
	store  *MongoCheckStore
}

func TestMongoCheckStoreTestSuite(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	suite.Run(t, &MongoCheckStoreTestSuite{client: client})
}

func (m *MongoCheckStoreTestSuite) SetupTest() {
	ctx := context.Background()
	_ = m.client.Database("antfarm_test").Collection("medic_checks").Drop(ctx)

	store, err := NewMongoCheckStore(ctx, m.client, "antfarm_test", "medic_checks")
	m.Require().NoError(err)
	m.store = store
}

func (m *MongoCheckStoreTestSuite) TestAppendAndList() {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m.Require().NoError(m.store.AppendCheck(ctx, &api.MedicCheck{
			ID:          fmt.Sprintf("c-%d", i),
			CheckedAt:   base.Add(time.Duration(i) * time.Minute),
			IssuesFound: 1,
			Summary:     "1 issue",
			Findings: []api.Finding{{
				Kind: api.FindingZombieRun, Severity: api.SeverityCritical,
				RunID: "r", Action: api.ActionFailRun, Remediated: true,
			}},
		}, 3))
	}

	checks, err := m.store.ListChecks(ctx, 10)
	m.Require().NoError(err)
	m.Require().Len(checks, 3)
	m.Equal("c-4", checks[0].ID)
	m.Equal("c-2", checks[2].ID)
	m.Require().Len(checks[0].Findings, 1)
	m.True(checks[0].Findings[0].Remediated)
}

func (m *MongoCheckStoreTestSuite) TestListEmpty() {
	checks, err := m.store.ListChecks(context.Background(), 5)
	m.Require().NoError(err)
	m.Empty(checks)
}
