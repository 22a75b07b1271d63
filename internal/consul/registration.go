package consul

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/config"
)

// Connect establishes a connection to the Consul agent.
func Connect(consulAddress string, logger *zap.Logger) (*consulapi.Client, error) {
	logger.Info("Attempting to connect to Consul agent", zap.String("address", consulAddress))
	apiConfig := consulapi.DefaultConfig()
	apiConfig.Address = consulAddress
	client, err := consulapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil { // Ping agent
		return nil, fmt.Errorf("failed to connect/ping consul agent: %w", err)
	}
	logger.Info("Successfully connected to Consul agent", zap.String("address", consulAddress))
	return client, nil
}

// RegisterService registers this service instance with Consul.
func RegisterService(consulClient *consulapi.Client, cfg *config.Config, serviceID string, logger *zap.Logger) error {
	reg := cfg.Consul.Registration
	address := cfg.Server.Host

	registration := &consulapi.AgentServiceRegistration{
		ID:      serviceID,
		Name:    reg.ServiceName,
		Port:    cfg.Server.Port,
		Address: address,
		Tags:    reg.ServiceTags,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", checkAddress(address), cfg.Server.Port, reg.HealthCheckPath),
			Interval:                       reg.HealthCheckInterval.String(),
			Timeout:                        reg.HealthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	if err := consulClient.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service '%s' with Consul: %w", reg.ServiceName, err)
	}
	logger.Info("Registered service with Consul",
		zap.String("service_id", serviceID), zap.String("service_name", reg.ServiceName))
	return nil
}

// DeregisterService is called during graceful shutdown.
func DeregisterService(consulClient *consulapi.Client, serviceID string, logger *zap.Logger) error {
	logger.Info("Deregistering service from Consul", zap.String("service_id", serviceID))
	if err := consulClient.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service '%s': %w", serviceID, err)
	}
	return nil
}

// checkAddress determines the address to use for the Consul health check URL.
// If the service listens on all interfaces, the check targets localhost.
func checkAddress(serviceAddress string) string {
	if serviceAddress == "" || serviceAddress == "0.0.0.0" {
		return "127.0.0.1"
	}
	return serviceAddress
}
