// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 精确计数与 CJK 估算器，用于上游节点前言（preamble）的 Token 预算管理。
package tokenizer
