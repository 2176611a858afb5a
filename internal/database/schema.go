package database

const schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id BIGINT PRIMARY KEY,
    tier VARCHAR(16) NOT NULL DEFAULT 'free',
    period_allocation INT NOT NULL DEFAULT 0,
    period_usage INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id VARCHAR(36) PRIMARY KEY,
    user_id BIGINT NOT NULL,
    delta INT NOT NULL,
    balance_after INT NOT NULL,
    generation_id VARCHAR(36),
    model VARCHAR(64),
    reason VARCHAR(16) NOT NULL,
    refers_to VARCHAR(36),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_charge_generation (generation_id, reason),
    KEY idx_user_created (user_id, created_at),
    FOREIGN KEY (user_id) REFERENCES credit_accounts(user_id)
);
`
