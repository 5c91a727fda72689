package testdata

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kmarch/policyledger/internal/database/repository"
)

// Repos bundles repos used by Seed.
type Repos struct {
	Agencies     *repository.AgencyRepo
	Agents       *repository.AgentRepo
	Transactions *repository.TransactionRepo
}

// DemoAgencyID is the tenant Seed populates.
const DemoAgencyID = "demo-agency"

// Seed creates a demo agency with a small producer roster and a book of
// policy transactions the matcher can work against.
func Seed(ctx context.Context, repos Repos) error {
	if err := repos.Agencies.Upsert(ctx, repository.Agency{
		ID:      DemoAgencyID,
		OwnerID: "demo-owner",
		Name:    "Lakeside Insurance Group",
	}); err != nil {
		return err
	}

	agents := []repository.Agent{
		{ID: "agent-1", AgencyID: DemoAgencyID, Name: "Dana Reyes", IsActive: true},
		{ID: "agent-2", AgencyID: DemoAgencyID, Name: "Sam Ortiz", IsActive: true},
		{ID: "agent-3", AgencyID: DemoAgencyID, Name: "Lee Tran", IsActive: false},
	}
	for _, a := range agents {
		if err := repos.Agents.Upsert(ctx, a); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(42))
	customers := []string{
		"John Smith", "Smith, Jane", "Acme Widgets LLC", "Rivera Holdings",
		"Harbor Freight Services Inc", "O'Brien, Patrick", "Nguyen Family Trust",
		"Cedar Grove Dental", "Martinez & Sons Roofing", "Blue Heron Cafe",
	}
	carriers := []string{"Progressive", "Travelers", "Liberty Mutual", "Hartford"}
	types := []string{"NEW", "NEW", "NEW", "RWL", "END"}

	now := time.Now().UTC().Truncate(time.Second)
	for i, customer := range customers {
		for j := 0; j < 2; j++ {
			premium := int64(rng.Intn(300000) + 50000)
			carrier := carriers[rng.Intn(len(carriers))]
			agentID := agents[rng.Intn(2)].ID // active agents only
			tx := repository.Transaction{
				ID:              fmt.Sprintf("DEMO-%03d", i*2+j),
				AgencyID:        DemoAgencyID,
				AgentID:         &agentID,
				CustomerName:    customer,
				PolicyNumber:    fmt.Sprintf("POL-%04d", 1000+i*10+j),
				EffectiveDate:   now.AddDate(0, -rng.Intn(12), -rng.Intn(28)),
				TransactionType: types[rng.Intn(len(types))],
				CarrierName:     &carrier,
				PremiumCents:    premium,
				CommissionCents: premium / 10,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := repos.Transactions.Insert(ctx, tx); err != nil {
				return err
			}
		}
	}
	return nil
}
