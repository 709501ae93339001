package repo

import (
	"context"
	"fmt"
)

// link tables are replaced wholesale: the declared set is the new state.
var linkTables = map[string][2]string{
	"item_members":       {"item_id", "member_id"},
	"item_locations":     {"item_id", "location_id"},
	"event_participants": {"event_id", "member_id"},
	"event_items":        {"event_id", "item_id"},
	"event_locations":    {"event_id", "location_id"},
}

func (r Repo) replaceLinks(ctx context.Context, table, ownerID string, targetIDs []string) error {
	cols, ok := linkTables[table]
	if !ok {
		return fmt.Errorf("unknown link table %s", table)
	}
	if _, err := r.conn().ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=?`, table, cols[0]), ownerID); err != nil {
		return err
	}
	for _, id := range targetIDs {
		if _, err := r.conn().ExecContext(ctx, fmt.Sprintf(`INSERT OR IGNORE INTO %s(%s,%s) VALUES (?,?)`, table, cols[0], cols[1]), ownerID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) SetItemMembers(ctx context.Context, itemID string, memberIDs []string) error {
	return r.replaceLinks(ctx, "item_members", itemID, memberIDs)
}

func (r Repo) SetItemLocations(ctx context.Context, itemID string, locationIDs []string) error {
	return r.replaceLinks(ctx, "item_locations", itemID, locationIDs)
}

func (r Repo) SetEventParticipants(ctx context.Context, eventID string, memberIDs []string) error {
	return r.replaceLinks(ctx, "event_participants", eventID, memberIDs)
}

func (r Repo) SetEventItems(ctx context.Context, eventID string, itemIDs []string) error {
	return r.replaceLinks(ctx, "event_items", eventID, itemIDs)
}

func (r Repo) SetEventLocations(ctx context.Context, eventID string, locationIDs []string) error {
	return r.replaceLinks(ctx, "event_locations", eventID, locationIDs)
}
