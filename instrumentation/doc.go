// Package instrumentation wires OpenTelemetry metrics and traces
// through every layer of grantkit: the HTTP handler, the grant server,
// storage backends, and resource-server token validators.
//
// The package does not own an exporter pipeline. The host application
// builds its SDK providers (Prometheus, OTLP, stdout, whatever its
// monitoring stack needs) and hands them over in Config; everything
// here records against those. Without providers, or with Enabled
// false, every instrument is a no-op and recording costs nothing.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "auth.example.com",
//		ServiceVersion: version,
//		Enabled:        true,
//		MeterProvider:  meterProvider,  // e.g. sdkmetric with a Prometheus reader
//		TracerProvider: tracerProvider, // e.g. sdktrace with an OTLP exporter
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// Shutdown flushes and stops the configured providers, so the host can
// hand them off and forget them.
//
// Meters and tracers are namespaced per layer under
// github.com/grantkit/grantkit/{http,server,storage,security,bearer},
// keeping this module's instruments apart from the host's own.
//
// # Metrics
//
// HTTP layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint} (ms)
//
// Grant flows:
//   - oauth.tokens.issued{client_id, grant_type}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{token_type}
//   - oauth.client.registered{client_type}
//   - oauth.device.flows.started{client_id}
//   - oauth.device.polls.total{result}
//   - oauth.introspection.requests.total{active}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation} (ms)
//   - storage.size.{access_tokens,refresh_tokens,clients,
//     authorization_codes,token_families,device_authorizations} gauges,
//     observed through Instrumentation.RegisterStorageGauges
//
// Resource-server validation:
//   - bearer.remote_validation.calls.total{operation, status}
//   - bearer.remote_validation.duration{operation} (ms)
//   - bearer.remote_validation.errors.total{operation, error_type}
//
// # Traces
//
// The HTTP handler opens one span per endpoint hit
// (oauth.http.token_exchange, oauth.http.device_authorization,
// oauth.http.introspection, ...), storage backends open a child span
// per operation (storage.save_access_token,
// storage.atomic_consume_authorization_code, ...), and bearer
// validators open oauth.bearer.validate around remote introspection:
//
//	oauth.http.token_exchange
//	├── storage.atomic_consume_authorization_code
//	├── storage.save_access_token
//	└── storage.save_refresh_token
//
// Spans carry metadata attributes only. Token values, authorization
// codes, device codes, user codes, client secrets, and PKCE verifiers
// must never be placed on a span or a metric label: telemetry is
// retained for long periods and read by people who must never see
// credentials. User identifiers reach the audit log hashed, and client
// IPs are tagged on spans only when Config.LogClientIPs opts in, since
// IP addresses can be personal data under GDPR and similar regimes.
//
// # Cardinality
//
// All labels except client_id come from small fixed sets. client_id
// grows with the number of registered clients; deployments with
// thousands of clients (or open dynamic registration) should
// pre-aggregate those metrics in their backend, or drop the label with
// an OTel view, and lean on traces for per-client debugging.
//
// Everything in this package is safe for concurrent use.
package instrumentation
