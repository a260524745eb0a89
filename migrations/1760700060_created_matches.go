package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("matches")

		collection.Fields.Add(
			&core.TextField{Name: "request1_id", Required: true},
			&core.TextField{Name: "request2_id", Required: true},
			&core.TextField{Name: "user1_id", Required: true},
			&core.TextField{Name: "user2_id", Required: true},
			&core.SelectField{Name: "difficulty", Required: true, MaxSelect: 1, Values: []string{"Easy", "Medium", "Hard"}},
			&core.TextField{Name: "topic", Required: true},
			&core.BoolField{Name: "user1_confirmed"},
			&core.BoolField{Name: "user2_confirmed"},
			&core.TextField{Name: "session_id"},
			&core.DateField{Name: "created_at", Required: true},
			&core.DateField{Name: "confirmed_at"},
		)

		collection.AddIndex("idx_matches_session_id", false, "session_id", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("matches")
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
