/*
包 browser 提供购物运行所驱动的受控浏览器。

# 核心类型

  - Config：单个实例的启动参数。ProfileDir 跨运行保存 cookie 与登录状态，
    KeepAlive 标记批处理中共享的实例，运行结束时不得关闭。
  - Handle：已获取的浏览器实例，按 Command 执行导航、点击、输入、提取等原语。
  - Acquirer：创建与释放实例。

# 内置实现

  - ChromeDPAcquirer：基于 chromedp 启动本地 Chrome，同一 ProfileDir
    同时只允许一个实例占用。
  - MemoryAcquirer：不打开真实页面的内存实现，记录命令历史与获取/释放计数，
    供测试与 browser.driver=memory 使用。
*/
package browser
