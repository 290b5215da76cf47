package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/api"
	"github.com/BaSui01/hivecoord/consensus"
	"github.com/BaSui01/hivecoord/hive"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/router"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
)

// =============================================================================
// 🐝 协调接口 Handler
// =============================================================================

// Coordinator 协调层门面，*hive.Hive 实现了它
type Coordinator interface {
	Route(ctx context.Context, payload types.Payload, criticality types.Criticality) (*router.Decision, error)
	RouteAndDeliver(ctx context.Context, payload types.Payload, criticality types.Criticality) (*router.Delivery, error)
	Propose(ctx context.Context, payload types.Payload, proposer types.PrincipalID, opts ...consensus.ProposeOption) (consensus.ProposalID, error)
	GetDecision(id consensus.ProposalID) (consensus.Decision, error)
	Await(ctx context.Context, id consensus.ProposalID) (consensus.Decision, error)
	Send(ctx context.Context, msg *messaging.Message) (*messaging.Ack, error)
	Broadcast(ctx context.Context, msg *messaging.Message) (*messaging.AckSet, error)
	Snapshot() hive.Snapshot
	Decisions(ctx context.Context, limit int) ([]storage.DecisionRecord, error)
	AuditTrail(ctx context.Context, roundID string) ([]storage.AuditEvent, error)
	Registry() *registry.Registry
	Router() *router.Router
}

// HiveHandler 路由、共识、消息与节点管理接口
type HiveHandler struct {
	hive         Coordinator
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewHiveHandler 创建协调接口处理器；maxBodyBytes <= 0 使用默认上限
func NewHiveHandler(h Coordinator, maxBodyBytes int64, logger *zap.Logger) *HiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &HiveHandler{
		hive:         h,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With(zap.String("component", "hive_handler")),
	}
}

// RegisterRoutes 注册 /api/v1 协调路由
func (h *HiveHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/route", h.HandleRoute)
	mux.HandleFunc("POST /api/v1/route/deliver", h.HandleRouteAndDeliver)

	mux.HandleFunc("POST /api/v1/proposals", h.HandlePropose)
	mux.HandleFunc("GET /api/v1/proposals/{id}", h.HandleGetDecision)
	mux.HandleFunc("GET /api/v1/decisions", h.HandleDecisions)
	mux.HandleFunc("GET /api/v1/rounds/{id}/audit", h.HandleAuditTrail)

	mux.HandleFunc("POST /api/v1/messages", h.HandleSend)
	mux.HandleFunc("POST /api/v1/broadcast", h.HandleBroadcast)

	mux.HandleFunc("GET /api/v1/snapshot", h.HandleSnapshot)
	mux.HandleFunc("GET /api/v1/circuits", h.HandleCircuits)
	mux.HandleFunc("POST /api/v1/circuits/{id}/reset", h.HandleResetCircuit)
	mux.HandleFunc("POST /api/v1/principals/{id}/quarantine", h.HandleQuarantine)
	mux.HandleFunc("POST /api/v1/principals/{id}/rehabilitate", h.HandleRehabilitate)
}

// -----------------------------------------------------------------------------
// 🧭 路由
// -----------------------------------------------------------------------------

// HandleRoute 只返回路由决策，不投递
// @Summary 路由决策
// @Tags 路由
// @Accept json
// @Produce json
// @Param request body api.RouteRequest true "负载与关键程度"
// @Success 200 {object} api.Response
// @Failure 400 {object} api.Response
// @Failure 503 {object} api.Response "没有可用目标"
// @Router /api/v1/route [post]
func (h *HiveHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRoute(w, r)
	if !ok {
		return
	}
	dec, err := h.hive.Route(r.Context(), req.Payload, req.Criticality)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, dec)
}

// HandleRouteAndDeliver 路由并经消息层投递
// @Summary 路由并投递
// @Tags 路由
// @Accept json
// @Produce json
// @Param request body api.RouteRequest true "负载与关键程度"
// @Success 200 {object} api.Response
// @Router /api/v1/route/deliver [post]
func (h *HiveHandler) HandleRouteAndDeliver(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRoute(w, r)
	if !ok {
		return
	}
	delivery, err := h.hive.RouteAndDeliver(r.Context(), req.Payload, req.Criticality)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, delivery)
}

func (h *HiveHandler) decodeRoute(w http.ResponseWriter, r *http.Request) (api.RouteRequest, bool) {
	var req api.RouteRequest
	if !ValidateContentType(w, r, h.logger) {
		return req, false
	}
	if err := DecodeJSONBody(w, r, &req, h.maxBodyBytes, h.logger); err != nil {
		return req, false
	}
	c, err := types.ParseCriticality(string(req.Criticality))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return req, false
	}
	req.Criticality = c
	return req, true
}

// -----------------------------------------------------------------------------
// 🗳️ 共识
// -----------------------------------------------------------------------------

// HandlePropose 发起提案；wait=true 时等待最终结果
// @Summary 发起共识提案
// @Tags 共识
// @Accept json
// @Produce json
// @Param request body api.ProposeRequest true "提案"
// @Success 200 {object} api.Response
// @Failure 504 {object} api.Response "等待超时"
// @Router /api/v1/proposals [post]
func (h *HiveHandler) HandlePropose(w http.ResponseWriter, r *http.Request) {
	var req api.ProposeRequest
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	if err := DecodeJSONBody(w, r, &req, h.maxBodyBytes, h.logger); err != nil {
		return
	}
	if req.Proposer == "" {
		WriteError(w, r, types.NewValidationError("proposer is required"), h.logger)
		return
	}

	var opts []consensus.ProposeOption
	if req.Slot != "" {
		opts = append(opts, consensus.WithSlot(req.Slot))
	}
	if req.TTL != "" {
		ttl, err := parsePositiveDuration("ttl", req.TTL)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		opts = append(opts, consensus.WithTTL(ttl))
	}

	id, err := h.hive.Propose(r.Context(), req.Payload, req.Proposer, opts...)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	resp := api.ProposeResponse{ProposalID: string(id)}
	if req.Wait {
		d, err := h.hive.Await(r.Context(), id)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		resp.Decision = &d
	}
	WriteSuccess(w, r, resp)
}

// HandleGetDecision 查询提案状态
// @Summary 查询提案
// @Tags 共识
// @Produce json
// @Param id path string true "提案 ID"
// @Success 200 {object} api.Response
// @Failure 404 {object} api.Response
// @Router /api/v1/proposals/{id} [get]
func (h *HiveHandler) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.hive.GetDecision(consensus.ProposalID(r.PathValue("id")))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, d)
}

// HandleDecisions 最近的决策记录，?limit=N（默认 50）
func (h *HiveHandler) HandleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			WriteError(w, r, types.NewValidationError("limit must be a positive integer"), h.logger)
			return
		}
		limit = n
	}
	recs, err := h.hive.Decisions(r.Context(), limit)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, recs)
}

// HandleAuditTrail 一个轮次的审计事件
func (h *HiveHandler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	events, err := h.hive.AuditTrail(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, events)
}

// -----------------------------------------------------------------------------
// ✉️ 消息
// -----------------------------------------------------------------------------

// HandleSend 从协调者端点发送点对点消息
// @Summary 发送消息
// @Tags 消息
// @Accept json
// @Produce json
// @Param request body api.SendRequest true "消息"
// @Success 200 {object} api.Response
// @Router /api/v1/messages [post]
func (h *HiveHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req api.SendRequest
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	if err := DecodeJSONBody(w, r, &req, h.maxBodyBytes, h.logger); err != nil {
		return
	}
	if req.Target == "" {
		WriteError(w, r, types.NewValidationError("target is required"), h.logger)
		return
	}

	msg := messaging.NewMessage(messaging.TypeRequest, req.Target, req.Payload)
	msg.Topic = req.Topic
	if req.Priority != 0 {
		msg.Priority = req.Priority
	}
	if err := applyDelivery(msg, req.Reliability, req.TTL); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	ack, err := h.hive.Send(r.Context(), msg)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, ack)
}

// HandleBroadcast 向全部健康节点广播
// @Summary 广播消息
// @Tags 消息
// @Accept json
// @Produce json
// @Param request body api.BroadcastRequest true "消息"
// @Success 200 {object} api.Response
// @Router /api/v1/broadcast [post]
func (h *HiveHandler) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req api.BroadcastRequest
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	if err := DecodeJSONBody(w, r, &req, h.maxBodyBytes, h.logger); err != nil {
		return
	}

	msg := messaging.NewMessage(messaging.TypeBroadcast, "", req.Payload)
	msg.Topic = req.Topic
	if err := applyDelivery(msg, req.Reliability, req.TTL); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	set, err := h.hive.Broadcast(r.Context(), msg)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	accepted := set.Accepted()
	if accepted == nil {
		accepted = []types.PrincipalID{}
	}
	resp := api.BroadcastResponse{Acks: set.Acks, Accepted: accepted}
	if len(set.Failures) > 0 {
		resp.Failures = set.FailureReasons()
	}
	WriteSuccess(w, r, resp)
}

func applyDelivery(msg *messaging.Message, reliability, ttl string) error {
	rel, err := messaging.ParseReliability(reliability)
	if err != nil {
		return err
	}
	msg.Reliability = rel
	if ttl != "" {
		d, err := parsePositiveDuration("ttl", ttl)
		if err != nil {
			return err
		}
		msg.TTL = d
	}
	return nil
}

// -----------------------------------------------------------------------------
// 📊 状态与节点管理
// -----------------------------------------------------------------------------

// HandleSnapshot 健康与轮次统计
// @Summary 协调层快照
// @Tags 状态
// @Produce json
// @Success 200 {object} api.Response
// @Router /api/v1/snapshot [get]
func (h *HiveHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.hive.Snapshot())
}

// HandleCircuits 全部熔断器状态
func (h *HiveHandler) HandleCircuits(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.hive.Router().Circuits())
}

// HandleResetCircuit 手动闭合熔断器
func (h *HiveHandler) HandleResetCircuit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.knownPrincipal(w, r)
	if !ok {
		return
	}
	h.hive.Router().ResetCircuit(id)
	h.logger.Info("circuit reset by operator", zap.String("principal_id", string(id)))
	WriteSuccess(w, r, map[string]any{"principal_id": id, "reset": true})
}

// HandleQuarantine 手动隔离节点
func (h *HiveHandler) HandleQuarantine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.knownPrincipal(w, r)
	if !ok {
		return
	}
	var req api.QuarantineRequest
	if r.ContentLength != 0 {
		if !ValidateContentType(w, r, h.logger) {
			return
		}
		if err := DecodeJSONBody(w, r, &req, h.maxBodyBytes, h.logger); err != nil {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator"
	}
	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			WriteError(w, r, types.NewValidationError("invalid duration %q", req.Duration).WithCause(err), h.logger)
			return
		}
		duration = d
	}
	if err := h.hive.Registry().Quarantine(id, req.Reason, duration); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	p, _ := h.hive.Registry().Get(id)
	WriteSuccess(w, r, p)
}

// HandleRehabilitate 解除隔离
func (h *HiveHandler) HandleRehabilitate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.knownPrincipal(w, r)
	if !ok {
		return
	}
	if err := h.hive.Registry().Rehabilitate(id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	p, _ := h.hive.Registry().Get(id)
	WriteSuccess(w, r, p)
}

func (h *HiveHandler) knownPrincipal(w http.ResponseWriter, r *http.Request) (types.PrincipalID, bool) {
	id := types.PrincipalID(r.PathValue("id"))
	if _, ok := h.hive.Registry().Get(id); !ok {
		WriteError(w, r, types.Errorf(types.ErrNotFound, "principal %s not found", id).WithPrincipal(id), h.logger)
		return "", false
	}
	return id, true
}

func parsePositiveDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, types.NewValidationError("%s must be a positive duration, got %q", field, s)
	}
	return d, nil
}
