// Package app wires the federation engine into a small single-user
// server: one actor from configuration, a kv-backed followers list, and
// the listeners that accept follows and unwind them on Undo.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/weftfed/weft/federation"
	"github.com/weftfed/weft/internal/config"
	"github.com/weftfed/weft/kv"
	"github.com/weftfed/weft/signing"
	"github.com/weftfed/weft/vocab"
)

// follower is one stored follow relationship. Undo<Follow> removes the
// entry whose follow id and actor both match.
type follower struct {
	ActorIRI string `json:"actor"`
	FollowID string `json:"followId"`
}

// App is the application half of the server: everything the federation
// engine dispatches into.
type App struct {
	cfg     *config.Config
	store   kv.Store
	keyPair *signing.KeyPair
	fed     *federation.Federation[*App]

	// followersMu serializes read-modify-write on the followers record.
	followersMu sync.Mutex
}

// New creates the application and registers it on the federation handle.
func New(cfg *config.Config, store kv.Store, keyPair *signing.KeyPair, fed *federation.Federation[*App]) (*App, error) {
	a := &App{cfg: cfg, store: store, keyPair: keyPair, fed: fed}

	if err := fed.SetActorDispatcher("/users/{identifier}", a.dispatchActor); err != nil {
		return nil, err
	}
	if err := fed.SetKeyPairsDispatcher(a.dispatchKeyPairs); err != nil {
		return nil, err
	}
	if err := fed.SetInboxPaths("/users/{identifier}/inbox", "/inbox"); err != nil {
		return nil, err
	}
	if err := fed.SetSharedInboxKeyDispatcher(func(c *federation.Context[*App]) (*signing.KeyPair, error) {
		return a.keyPair, nil
	}); err != nil {
		return nil, err
	}
	if err := fed.SetCollectionDispatcher("followers", "/users/{identifier}/followers", a.dispatchFollowers); err != nil {
		return nil, err
	}
	if err := fed.SetCollectionCounter("followers", a.countFollowers); err != nil {
		return nil, err
	}

	if err := fed.OnActivity(vocab.TypeFollow, a.onFollow); err != nil {
		return nil, err
	}
	if err := fed.OnActivity(vocab.TypeUndo, a.onUndo); err != nil {
		return nil, err
	}
	if err := fed.OnActivity(vocab.TypeCreate, a.onCreate); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) dispatchActor(c *federation.Context[*App], identifier string) (*vocab.Object, error) {
	if identifier != a.cfg.Username {
		return nil, nil
	}
	actor := vocab.NewObject(vocab.TypePerson)
	actor.Set("preferredUsername", vocab.String(a.cfg.Username))
	actor.Set("name", vocab.String(a.cfg.DisplayName))
	if a.cfg.Summary != "" {
		actor.Set("summary", vocab.String(a.cfg.Summary))
	}
	actor.Set("url", vocab.IRI(a.cfg.BaseURL("/@"+a.cfg.Username)))
	return actor, nil
}

func (a *App) dispatchKeyPairs(c *federation.Context[*App], identifier string) ([]*signing.KeyPair, error) {
	if identifier != a.cfg.Username {
		return nil, fmt.Errorf("unknown identifier %q", identifier)
	}
	return []*signing.KeyPair{a.keyPair}, nil
}

func (a *App) dispatchFollowers(c *federation.Context[*App], values map[string]string, cursor string) (*federation.CollectionPage, error) {
	list, err := a.loadFollowers(c)
	if err != nil {
		return nil, err
	}
	page := &federation.CollectionPage{}
	for _, f := range list {
		page.Items = append(page.Items, vocab.IRI(f.ActorIRI))
	}
	return page, nil
}

func (a *App) countFollowers(c *federation.Context[*App], values map[string]string) (int64, error) {
	list, err := a.loadFollowers(c)
	if err != nil {
		return 0, err
	}
	return int64(len(list)), nil
}

// onFollow records the follower and answers with an Accept.
func (a *App) onFollow(c *federation.Context[*App], activity *vocab.Object) error {
	actorIRI := vocab.ActivityActorIRI(activity)
	objectIRI := activity.GetIRI("object")
	actorURI, err := c.ActorURI(a.cfg.Username)
	if err != nil {
		return err
	}
	if objectIRI != actorURI {
		slog.Debug("follow for someone else, ignoring", "object", objectIRI)
		return nil
	}

	if err := a.addFollower(c, follower{ActorIRI: actorIRI, FollowID: activity.ID()}); err != nil {
		return fmt.Errorf("record follower: %w", err)
	}
	slog.Info("new follower", "actor", actorIRI)

	accept := vocab.NewObject(vocab.TypeAccept)
	accept.Set("actor", vocab.IRI(actorURI))
	accept.Set("object", vocab.Inline(activity))
	accept.Set("to", vocab.IRI(actorIRI))
	return a.fed.SendActivity(c.Context, c.Data(), a.cfg.Username,
		federation.Recipients{ActorIRIs: []string{actorIRI}}, accept)
}

// onUndo handles Undo<Follow>: the follow id and the undoing actor must
// both match the stored relationship.
func (a *App) onUndo(c *federation.Context[*App], activity *vocab.Object) error {
	actorIRI := vocab.ActivityActorIRI(activity)

	inner := activity.GetOne("object")
	if inner == nil {
		return nil
	}
	var followID string
	if obj := inner.Inlined(); obj != nil {
		if !obj.Is(vocab.TypeFollow) {
			return nil
		}
		followID = obj.ID()
	} else {
		followID = inner.IRIValue()
	}
	if followID == "" {
		return nil
	}

	removed, err := a.removeFollower(c, followID, actorIRI)
	if err != nil {
		return fmt.Errorf("remove follower: %w", err)
	}
	if removed {
		slog.Info("follower left", "actor", actorIRI)
	}
	return nil
}

func (a *App) onCreate(c *federation.Context[*App], activity *vocab.Object) error {
	slog.Info("received post", "actor", vocab.ActivityActorIRI(activity), "id", activity.ID())
	return nil
}

// Followers returns the current follower actor IRIs.
func (a *App) Followers(ctx context.Context) ([]string, error) {
	list, err := a.readFollowerRecord(ctx)
	if err != nil {
		return nil, err
	}
	iris := make([]string, len(list))
	for i, f := range list {
		iris[i] = f.ActorIRI
	}
	return iris, nil
}

func (a *App) followersKey() kv.Key {
	return kv.NewKey("app", "followers", a.cfg.Username)
}

func (a *App) loadFollowers(ctx context.Context) ([]follower, error) {
	return a.readFollowerRecord(ctx)
}

func (a *App) readFollowerRecord(ctx context.Context) ([]follower, error) {
	raw, ok, err := a.store.Get(ctx, a.followersKey())
	if err != nil || !ok {
		return nil, err
	}
	var list []follower
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode followers record: %w", err)
	}
	return list, nil
}

func (a *App) writeFollowerRecord(ctx context.Context, list []follower) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, a.followersKey(), raw)
}

func (a *App) addFollower(ctx context.Context, f follower) error {
	a.followersMu.Lock()
	defer a.followersMu.Unlock()
	list, err := a.readFollowerRecord(ctx)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing.ActorIRI == f.ActorIRI {
			return nil
		}
	}
	return a.writeFollowerRecord(ctx, append(list, f))
}

func (a *App) removeFollower(ctx context.Context, followID, actorIRI string) (bool, error) {
	a.followersMu.Lock()
	defer a.followersMu.Unlock()
	list, err := a.readFollowerRecord(ctx)
	if err != nil {
		return false, err
	}
	kept := list[:0]
	removed := false
	for _, f := range list {
		if f.FollowID == followID && f.ActorIRI == actorIRI {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	if !removed {
		return false, nil
	}
	return true, a.writeFollowerRecord(ctx, kept)
}
