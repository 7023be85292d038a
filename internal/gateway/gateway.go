// Package gateway serves the duplex extraction stream. One WebSocket
// session multiplexes serialized commands, concurrent queries, and the
// campaign event stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mapharvest/internal/campaigns"
	"mapharvest/internal/domain"
	"mapharvest/internal/events"
)

// Gateway upgrades connections on /ws/extraction/stream and dispatches the
// protocol.
type Gateway struct {
	svc      *campaigns.Service
	bus      *events.Bus
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New builds the gateway.
func New(svc *campaigns.Service, bus *events.Bus, log *zap.Logger) *Gateway {
	return &Gateway{
		svc: svc,
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handle is the gin handler for the stream endpoint.
func (g *Gateway) Handle(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	sess := newSession(conn, g.log)
	go sess.writeLoop()
	g.readLoop(sess)
}

func (g *Gateway) readLoop(sess *session) {
	defer sess.close()
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			sess.send(errorFrame("malformed envelope: not valid JSON"))
			continue
		}
		switch env.Type {
		case TypeSubscribe:
			g.subscribe(sess, env.CampaignID)
		case TypeCommand:
			go g.runCommand(sess, env)
		case TypeQuery:
			go g.runQuery(sess, env)
		case TypeAutoStart:
			go g.autoStart(sess, env)
		default:
			sess.send(errorFrame(fmt.Sprintf("unknown message type %q", env.Type)))
		}
	}
}

// subscribe binds the session to a campaign's event stream. Snapshot frames
// go through the coalescing slot; everything else keeps FIFO order.
func (g *Gateway) subscribe(sess *session, campaignID string) {
	if campaignID == "" {
		sess.send(errorFrame("subscribe requires campaign_id"))
		return
	}
	unsubscribe := g.bus.SubscribeAll(func(ev events.Event) {
		if ev.Campaign() != campaignID {
			return
		}
		msg := eventToWire(ev)
		if msg.Type == TypeBotSnapshot {
			sess.sendSnapshot(msg)
			return
		}
		sess.send(msg)
	})
	sess.bind(campaignID, unsubscribe)
	sess.send(streamStarted(campaignID))
}

// startExtractionParams accepts either an existing campaign id or an inline
// spec. The bot count is accepted under three historical names; max_bots is
// canonical and wins when several are present.
type startExtractionParams struct {
	CampaignID     string  `json:"campaign_id"`
	Title          string  `json:"title"`
	Activity       string  `json:"activity"`
	CountryCode    string  `json:"country_code"`
	Admin1Code     string  `json:"admin1_code"`
	Admin2Code     string  `json:"admin2_code"`
	CityGeonameID  int     `json:"city_geoname_id"`
	LocationName   string  `json:"location_name"`
	ISOLanguage    string  `json:"iso_language"`
	Locale         string  `json:"locale"`
	MaxResults     int     `json:"max_results"`
	MinRating      float64 `json:"min_rating"`
	MinPopulation  int     `json:"min_population"`
	MaxBots        int     `json:"max_bots"`
	NumBots        int     `json:"num_bots"`
	ExtractionBots int     `json:"extraction_bots"`
}

func (p *startExtractionParams) spec() domain.CampaignSpec {
	bots := p.MaxBots
	if bots == 0 {
		bots = p.NumBots
	}
	if bots == 0 {
		bots = p.ExtractionBots
	}
	return domain.CampaignSpec{
		Activity:      p.Activity,
		CountryCode:   p.CountryCode,
		Admin1Code:    p.Admin1Code,
		Admin2Code:    p.Admin2Code,
		CityGeonameID: p.CityGeonameID,
		LocationName:  p.LocationName,
		ISOLanguage:   p.ISOLanguage,
		Locale:        p.Locale,
		MaxResults:    p.MaxResults,
		MinRating:     p.MinRating,
		MinPopulation: p.MinPopulation,
		MaxBots:       bots,
	}
}

type campaignIDParams struct {
	CampaignID string `json:"campaign_id"`
}

func (g *Gateway) runCommand(sess *session, env envelope) {
	sess.commandMu.Lock()
	defer sess.commandMu.Unlock()

	result, err := g.execCommand(context.Background(), sess, env)
	sess.send(commandResult(env.Command, result, err))
}

func (g *Gateway) execCommand(ctx context.Context, sess *session, env envelope) (any, error) {
	switch env.Command {
	case "start_extraction":
		var p startExtractionParams
		if err := unmarshalParams(env.Params, &p); err != nil {
			return nil, err
		}
		if p.CampaignID != "" {
			if err := g.svc.Start(ctx, p.CampaignID); err != nil {
				return nil, err
			}
			return map[string]any{"campaign_id": p.CampaignID}, nil
		}
		campaign, err := g.svc.Create(ctx, p.Title, p.spec())
		if err != nil {
			return nil, err
		}
		if err := g.svc.Start(ctx, campaign.ID); err != nil {
			return nil, err
		}
		return map[string]any{
			"campaign_id": campaign.ID,
			"title":       campaign.Title,
			"status":      string(domain.CampaignInProgress),
			"total_tasks": campaign.TotalTasks,
			"created_at":  wireTimestamp(campaign.CreatedAt),
		}, nil
	case "pause_extraction":
		var p campaignIDParams
		if err := unmarshalParams(env.Params, &p); err != nil {
			return nil, err
		}
		return nil, g.svc.Pause(ctx, p.CampaignID)
	case "cancel_extraction":
		var p campaignIDParams
		if err := unmarshalParams(env.Params, &p); err != nil {
			return nil, err
		}
		return nil, g.svc.Cancel(ctx, p.CampaignID)
	default:
		return nil, &domain.ProtocolError{Detail: fmt.Sprintf("unknown command %q", env.Command)}
	}
}

func (g *Gateway) runQuery(sess *session, env envelope) {
	result, err := g.execQuery(context.Background(), sess, env)
	sess.send(queryResult(env.Query, result, err))
}

func (g *Gateway) execQuery(ctx context.Context, sess *session, env envelope) (any, error) {
	var p campaignIDParams
	if err := unmarshalParams(env.Params, &p); err != nil {
		return nil, err
	}
	if p.CampaignID == "" {
		p.CampaignID = sess.boundCampaign()
	}
	switch env.Query {
	case "get_status":
		return g.svc.Status(ctx, p.CampaignID)
	case "get_statistics":
		return g.svc.Statistics(ctx, p.CampaignID)
	case "get_bot_info":
		return g.svc.BotInfo(p.CampaignID), nil
	default:
		return nil, &domain.ProtocolError{Detail: fmt.Sprintf("unknown query %q", env.Query)}
	}
}

// autoStart is the legacy one-shot: subscribe plus start_extraction in a
// single frame.
func (g *Gateway) autoStart(sess *session, env envelope) {
	sess.commandMu.Lock()
	defer sess.commandMu.Unlock()

	ctx := context.Background()
	var p startExtractionParams
	if err := unmarshalParams(env.Params, &p); err != nil {
		sess.send(commandResult("start_extraction", nil, err))
		return
	}
	if p.CampaignID == "" && env.CampaignID != "" {
		p.CampaignID = env.CampaignID
	}

	campaignID := p.CampaignID
	var result any
	if campaignID == "" {
		campaign, err := g.svc.Create(ctx, p.Title, p.spec())
		if err != nil {
			sess.send(commandResult("start_extraction", nil, err))
			return
		}
		campaignID = campaign.ID
		result = map[string]any{
			"campaign_id": campaign.ID,
			"title":       campaign.Title,
			"total_tasks": campaign.TotalTasks,
		}
	} else {
		result = map[string]any{"campaign_id": campaignID}
	}

	g.subscribe(sess, campaignID)
	if err := g.svc.Start(ctx, campaignID); err != nil {
		sess.send(commandResult("start_extraction", nil, err))
		return
	}
	sess.send(commandResult("start_extraction", result, nil))
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.ProtocolError{Detail: "malformed params: " + err.Error()}
	}
	return nil
}
